package er

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/wpser/internal/logging"
	"grimm.is/wpser/internal/wsc"
)

// --- helpers ---

func newTestService(t *testing.T, factory wsc.EngineFactory) *Service {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	s := NewService(Config{Interface: "test0", EngineFactory: factory}, logger)
	s.localIP = net.IPv4(127, 0, 0, 1).To4()
	s.httpPort = 49152
	t.Cleanup(func() {
		s.mu.Lock()
		for _, a := range s.aps {
			s.removeAPLocked(a, removeShutdown)
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

type soapCall struct {
	action string
	body   string
}

// fakeAP is an httptest server standing in for a WPS access point.
type fakeAP struct {
	srv *httptest.Server

	mu         sync.Mutex
	gets       int
	subscribes []http.Header
	soaps      []soapCall
}

const fakeDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-wifialliance-org:device:WFADevice:1</deviceType>
    <friendlyName>AP-One</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>WAP-1000</modelName>
    <UDN>uuid:0e8f3a42-11aa-22bb-33cc-44dd55ee66ff</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-wifialliance-org:service:WFAWLANConfig:1</serviceType>
        <SCPDURL>/scpd</SCPDURL>
        <controlURL>/ctl</controlURL>
        <eventSubURL>/evt</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

func newFakeAP(t *testing.T) *fakeAP {
	t.Helper()
	f := &fakeAP{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			f.gets++
			f.mu.Unlock()
			w.Header().Set("Content-Type", "text/xml")
			io.WriteString(w, fakeDescription)
		case "SUBSCRIBE":
			f.mu.Lock()
			f.subscribes = append(f.subscribes, r.Header.Clone())
			f.mu.Unlock()
			w.Header().Set("SID", "uuid:sub-1234")
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.soaps = append(f.soaps, soapCall{
				action: r.Header.Get("Soapaction"),
				body:   string(body),
			})
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAP) location() string {
	return f.srv.URL + "/desc.xml"
}

func (f *fakeAP) addr() net.IP {
	u := f.srv.Listener.Addr().(*net.TCPAddr)
	return u.IP.To4()
}

func (f *fakeAP) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeAP) subscribeHeader(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[i]
}

func (f *fakeAP) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeAP) soapCalls() []soapCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]soapCall(nil), f.soaps...)
}

// waitSubscribed waits until the AP has completed its onboarding
// sequence and released its exchange slot.
func waitSubscribed(t *testing.T, s *Service, id uint) {
	t.Helper()
	waitFor(t, fmt.Sprintf("AP %d subscribed", id), func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		a := s.aps[id]
		return a != nil && a.subscribed && a.inflight == exchangeNone
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func tlv(typ uint16, val []byte) []byte {
	out := make([]byte, 4+len(val))
	binary.BigEndian.PutUint16(out[0:], typ)
	binary.BigEndian.PutUint16(out[2:], uint16(len(val)))
	copy(out[4:], val)
	return out
}

func wlanEventBody(eventType byte, mac string, tlvs []byte) string {
	payload := append([]byte{eventType}, []byte(mac)...)
	payload = append(payload, tlvs...)
	return fmt.Sprintf(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`+
		`<e:property><WLANEvent>%s</WLANEvent></e:property></e:propertyset>`,
		base64.StdEncoding.EncodeToString(payload))
}

func notify(t *testing.T, s *Service, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("NOTIFY", path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleHTTP(rec, req)
	return rec
}

// fakeEngine is a scripted wsc.Engine.
type fakeEngine struct {
	mu        sync.Mutex
	processed []wsc.OpCode
	reply     []byte
	result    wsc.Result
	deinited  bool
}

func (e *fakeEngine) ProcessMsg(op wsc.OpCode, msg []byte) wsc.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = append(e.processed, op)
	return e.result
}

func (e *fakeEngine) GetMsg() ([]byte, wsc.OpCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reply, wsc.OpMsg
}

func (e *fakeEngine) Deinit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deinited = true
}

// --- discovery and onboarding ---

func TestDiscoveryOnboarding(t *testing.T) {
	s := newTestService(t, nil)
	f := newFakeAP(t)

	s.APDiscovered(f.addr(), f.location(), 1800)

	waitSubscribed(t, s, 1)

	s.mu.Lock()
	require.Len(t, s.aps, 1)
	a := s.aps[1]
	require.NotNil(t, a)
	assert.Equal(t, uint(1), a.id)
	assert.Equal(t, f.location(), a.location)
	assert.Equal(t, "AP-One", a.device.FriendlyName)
	assert.Equal(t, "Acme", a.device.Manufacturer)
	assert.Equal(t, f.srv.URL+"/ctl", a.controlURL)
	assert.Equal(t, f.srv.URL+"/evt", a.eventSubURL)
	assert.Equal(t, f.srv.URL+"/scpd", a.scpdURL)
	assert.True(t, a.subscribed)
	assert.Equal(t, "uuid:sub-1234", a.sid)
	assert.NotNil(t, a.expiry)
	assert.NotNil(t, a.renew)
	assert.Equal(t, exchangeNone, a.inflight)
	s.mu.Unlock()

	// The SUBSCRIBE must carry the GENA headers.
	hdr := f.subscribeHeader(0)
	assert.Contains(t, hdr.Get("Callback"), "/event/1")
	assert.Equal(t, "upnp:event", hdr.Get("Nt"))
	assert.Equal(t, "Second-1800", hdr.Get("Timeout"))
}

func TestDiscoveryIdempotent(t *testing.T) {
	s := newTestService(t, nil)
	f := newFakeAP(t)

	for i := 0; i < 3; i++ {
		s.APDiscovered(f.addr(), f.location(), 1800)
	}
	waitSubscribed(t, s, 1)
	assert.Equal(t, 1, f.getCount(), "re-advertisement must not refetch the description")
	assert.Equal(t, 1, f.subscribeCount())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.aps, 1)
	assert.Equal(t, uint(1), s.nextAPID)
}

func TestAPIDsNeverReused(t *testing.T) {
	s := newTestService(t, nil)
	f := newFakeAP(t)
	other := net.IPv4(192, 0, 2, 99).To4()

	s.APDiscovered(f.addr(), f.location(), 1800)
	s.APDiscovered(other, f.location(), 1800)

	s.mu.Lock()
	ids := []uint{}
	for id := range s.aps {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	assert.ElementsMatch(t, []uint{1, 2}, ids)

	s.APByeBye(f.addr())
	s.APDiscovered(f.addr(), f.location(), 1800)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotNil(t, s.aps[3])
	assert.Nil(t, s.aps[1])
}

func TestByeByeRemovesAP(t *testing.T) {
	s := newTestService(t, nil)
	f := newFakeAP(t)

	s.APDiscovered(f.addr(), f.location(), 1800)
	waitSubscribed(t, s, 1)

	s.APByeBye(f.addr())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.aps)
	assert.Empty(t, s.apsByAddr)
}

func TestExpiryRemovesAP(t *testing.T) {
	s := newTestService(t, nil)
	f := newFakeAP(t)

	s.APDiscovered(f.addr(), f.location(), 1800)
	s.expireAP(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.aps)
}

func TestExpiryOfUnknownAPIsNoOp(t *testing.T) {
	s := newTestService(t, nil)
	s.expireAP(42)
}

func TestFetchFailureLeavesAPUnsubscribed(t *testing.T) {
	s := newTestService(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr).IP.To4()
	s.APDiscovered(addr, srv.URL+"/desc.xml", 1800)

	waitFor(t, "slot release", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		a := s.aps[1]
		return a != nil && a.inflight == exchangeNone
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aps[1]
	assert.False(t, a.subscribed)
	assert.Empty(t, a.controlURL)
}

// --- select registrar fanout ---

func TestSetSelectedRegistrarFanout(t *testing.T) {
	s := newTestService(t, nil)
	f1 := newFakeAP(t)
	f2 := newFakeAP(t)

	s.APDiscovered(net.IPv4(192, 0, 2, 1).To4(), f1.location(), 1800)
	s.APDiscovered(net.IPv4(192, 0, 2, 2).To4(), f2.location(), 1800)
	waitSubscribed(t, s, 1)
	waitSubscribed(t, s, 2)

	s.SetSelectedRegistrar(true, 0x0004, 0x0080)

	waitFor(t, "both SOAP posts", func() bool {
		return len(f1.soapCalls()) == 1 && len(f2.soapCalls()) == 1
	})

	for _, f := range []*fakeAP{f1, f2} {
		call := f.soapCalls()[0]
		assert.Contains(t, call.action, "#SetSelectedRegistrar")
		assert.Contains(t, call.body, "<u:SetSelectedRegistrar")

		payload := extractNewMessage(t, call.body)
		attrs, err := wsc.ParseAttributes(payload)
		require.NoError(t, err)
		require.NotNil(t, attrs.Version)
		require.NotNil(t, attrs.SelectedRegistrar)
		assert.True(t, *attrs.SelectedRegistrar)
		require.NotNil(t, attrs.DevicePasswordID)
		assert.Equal(t, uint16(0x0004), *attrs.DevicePasswordID)
		require.NotNil(t, attrs.SelRegConfigMethods)
		assert.Equal(t, uint16(0x0080), *attrs.SelRegConfigMethods)
	}
}

func extractNewMessage(t *testing.T, body string) []byte {
	t.Helper()
	const openTag, closeTag = "<NewMessage>", "</NewMessage>"
	i := strings.Index(body, openTag)
	j := strings.Index(body, closeTag)
	require.True(t, i >= 0 && j > i, "NewMessage element not found in %q", body)
	data, err := base64.StdEncoding.DecodeString(body[i+len(openTag) : j])
	require.NoError(t, err)
	return data
}
