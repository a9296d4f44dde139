package er

import (
	"net"
	"time"

	"grimm.is/wpser/internal/metrics"
)

// exchange identifies the outbound HTTP request occupying an AP's single
// in-flight slot.
type exchange int

const (
	exchangeNone exchange = iota
	exchangeDescription
	exchangeSubscribe
	exchangeRenew
	exchangeSetSelReg
)

// removeReason distinguishes why an AP leaves the registry.
type removeReason int

const (
	removeByeBye removeReason = iota
	removeExpired
	removeShutdown
)

// deviceInfo holds the optional metadata from an AP's device description.
// All fields are opaque text.
type deviceInfo struct {
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelDescription string
	ModelName        string
	ModelNumber      string
	ModelURL         string
	SerialNumber     string
	UDN              string
	UPC              string
}

// ap is one registry entry. All fields are guarded by the service mutex.
type ap struct {
	id       uint
	addr     net.IP
	location string

	device      deviceInfo
	scpdURL     string
	controlURL  string
	eventSubURL string

	subscribed bool
	sid        string

	inflight exchange
	expiry   *time.Timer
	renew    *time.Timer

	stations map[string]*station
}

// APDiscovered implements ssdp.Handler. A re-advertisement of a known AP
// only extends its expiry; a new AP is added and its onboarding sequence
// (description fetch, then subscribe) begins.
func (s *Service) APDiscovered(addr net.IP, location string, maxAge int) {
	s.mu.Lock()

	if a := s.apsByAddr[addr.String()]; a != nil {
		a.expiry.Stop()
		a.expiry = s.armExpiry(a.id, maxAge)
		s.mu.Unlock()
		return
	}

	s.nextAPID++
	a := &ap{
		id:       s.nextAPID,
		addr:     append(net.IP(nil), addr...),
		location: location,
		inflight: exchangeDescription,
		stations: make(map[string]*station),
	}
	a.expiry = s.armExpiry(a.id, maxAge)
	s.aps[a.id] = a
	s.apsByAddr[addr.String()] = a

	m := metrics.Get()
	m.APsDiscovered.Inc()
	m.ActiveAPs.Set(float64(len(s.aps)))

	s.logger.Info("added AP entry", "id", a.id, "addr", addr.String(),
		"location", location, "max_age", maxAge)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.fetchDescription(a.id, location)
}

// APByeBye implements ssdp.Handler.
func (s *Service) APByeBye(addr net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.apsByAddr[addr.String()]
	if a == nil {
		return
	}
	s.removeAPLocked(a, removeByeBye)
}

// armExpiry schedules removal of the AP once its advertisement lapses.
// The callback re-looks the AP up by id, so a timer that fires after the
// AP has already been removed is a no-op.
func (s *Service) armExpiry(id uint, maxAge int) *time.Timer {
	return time.AfterFunc(time.Duration(maxAge)*time.Second, func() {
		s.expireAP(id)
	})
}

func (s *Service) expireAP(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.aps[id]
	if a == nil {
		return
	}
	s.logger.Info("AP advertisement timed out", "id", a.id, "addr", a.addr.String())
	metrics.Get().APsExpired.Inc()
	s.removeAPLocked(a, removeExpired)
}

// removeAPLocked tears an AP down: stations first, then timers, then the
// registry entries. Called with the service mutex held. A best-effort
// UNSUBSCRIBE is sent when the AP was subscribed (skipped on shutdown,
// where the outbound context is already cancelled).
func (s *Service) removeAPLocked(a *ap, reason removeReason) {
	for key, sta := range a.stations {
		s.removeStationLocked(a, sta)
		delete(a.stations, key)
	}

	a.expiry.Stop()
	if a.renew != nil {
		a.renew.Stop()
	}

	delete(s.aps, a.id)
	delete(s.apsByAddr, a.addr.String())

	m := metrics.Get()
	m.APsRemoved.Inc()
	m.ActiveAPs.Set(float64(len(s.aps)))

	s.logger.Info("removing AP entry", "id", a.id, "addr", a.addr.String(),
		"location", a.location)

	if reason != removeShutdown && a.subscribed && a.sid != "" && a.eventSubURL != "" {
		s.wg.Add(1)
		go s.unsubscribe(a.eventSubURL, a.sid)
	}
}
