package er

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"grimm.is/wpser/internal/metrics"
	"grimm.is/wpser/internal/upnpxml"
	"grimm.is/wpser/internal/wsc"
)

// WLANEvent binary framing: 1 byte event type, 17 bytes ASCII MAC,
// remainder WSC TLVs.
const (
	wlanEventMinLen = 1 + 17

	wlanEventProbeReq = 1
	wlanEventEAP      = 2
)

// handleHTTP serves the embedded event endpoint. Only NOTIFY requests to
// /event/<ap id> are meaningful; everything else is rejected without
// giving the peer a reason to retry.
func (s *Service) handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	w.Header().Set("Server", "unspecified, UPnP/1.0, unspecified")

	if r.Method != "NOTIFY" {
		s.logger.Debug("unsupported HTTP request", "method", r.Method, "uri", r.URL.Path)
		metrics.Get().EventNotifies.WithLabelValues("501").Inc()
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	idStr, ok := strings.CutPrefix(r.URL.Path, "/event/")
	if !ok {
		s.logger.Debug("unknown HTTP NOTIFY path", "uri", r.URL.Path)
		metrics.Get().EventNotifies.WithLabelValues("404").Inc()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	apID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		metrics.Get().EventNotifies.WithLabelValues("404").Inc()
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		metrics.Get().EventNotifies.WithLabelValues("400").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	a := s.aps[uint(apID)]
	if a == nil {
		s.mu.Unlock()
		s.logger.Debug("HTTP event from unknown AP id", "id", apID)
		metrics.Get().EventNotifies.WithLabelValues("404").Inc()
		w.WriteHeader(http.StatusNotFound)
		return
	}

	event, err := upnpxml.FirstBase64Element(string(body), "WLANEvent")
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("could not extract WLANEvent from notification", "error", err)
		// Reply with OK anyway to avoid getting unregistered from events.
		metrics.Get().EventNotifies.WithLabelValues("200").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	s.processWLANEvent(a, event)
	s.mu.Unlock()

	metrics.Get().EventNotifies.WithLabelValues("200").Inc()
	w.WriteHeader(http.StatusOK)
}

// processWLANEvent dispatches one decoded WLANEvent payload. Called with
// the service mutex held.
func (s *Service) processWLANEvent(a *ap, event []byte) {
	if len(event) < wlanEventMinLen {
		s.logger.Debug("too short WLANEvent", "len", len(event))
		return
	}

	eventType := event[0]
	mac, err := net.ParseMAC(string(event[1 : 1+17]))
	if err != nil {
		s.logger.Debug("invalid WLANEventMAC in WLANEvent", "error", err)
		return
	}
	msg := event[wlanEventMinLen:]

	switch eventType {
	case wlanEventProbeReq:
		metrics.Get().WLANEvents.WithLabelValues("probe_req").Inc()
		s.processProbeReq(a, mac, msg)
	case wlanEventEAP:
		metrics.Get().WLANEvents.WithLabelValues("eap").Inc()
		s.processEAP(a, mac, msg)
	default:
		metrics.Get().WLANEvents.WithLabelValues("unknown").Inc()
		s.logger.Debug("unknown WLANEventType", "type", eventType)
	}
}

func (s *Service) processProbeReq(a *ap, mac net.HardwareAddr, msg []byte) {
	attrs, err := wsc.ParseAttributes(msg)
	if err != nil {
		s.logger.Debug("failed to parse TLVs in WLANEvent message", "error", err)
		return
	}
	s.upsertStation(a, mac, attrs, true)
}

func (s *Service) processEAP(a *ap, mac net.HardwareAddr, msg []byte) {
	attrs, err := wsc.ParseAttributes(msg)
	if err != nil {
		s.logger.Debug("failed to parse TLVs in WLANEvent message", "error", err)
		return
	}
	sta := s.upsertStation(a, mac, attrs, false)

	if attrs.MsgType != nil && *attrs.MsgType == wsc.MsgM1 {
		s.startRegistration(a, sta, msg)
		return
	}
	if sta.engine != nil {
		s.stationStep(a, sta, wsc.OpCodeForMsg(attrs.MsgType), msg)
	}
}

// startRegistration begins a fresh exchange on M1, replacing any
// previous engine for the station. Called with the service mutex held.
func (s *Service) startRegistration(a *ap, sta *station, msg []byte) {
	if sta.engine != nil {
		sta.engine.Deinit()
		sta.engine = nil
	}

	if s.cfg.EngineFactory == nil {
		s.logger.Debug("no registrar engine configured, observing only",
			"addr", sta.addr.String())
		return
	}

	engine, err := s.cfg.EngineFactory(wsc.EngineConfig{
		Registrar: true,
		PeerAddr:  sta.addr,
	})
	if err != nil {
		s.logger.Warn("failed to start registration engine",
			"addr", sta.addr.String(), "error", err)
		return
	}
	sta.engine = engine

	s.stationStep(a, sta, wsc.OpMsg, msg)
}
