// Package er implements the WPS external registrar core: a registry of
// WPS-capable access points discovered over SSDP, the UPnP control
// exchanges against each AP, the embedded event endpoint receiving
// WLANEvent notifications, and the per-enrollee registration sessions.
package er

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"grimm.is/wpser/internal/logging"
	"grimm.is/wpser/internal/ssdp"
	"grimm.is/wpser/internal/wsc"
)

const (
	descriptionTimeout = 10 * time.Second
	soapTimeout        = 1 * time.Second
	subscribeTimeout   = 1 * time.Second

	// GENA subscriptions are requested for 1800 seconds and renewed
	// 300 seconds before they lapse.
	subscriptionPeriod = 1800 * time.Second
	renewalLead        = 300 * time.Second

	stationIdleTimeout = 300 * time.Second
)

// Config holds the registrar configuration.
type Config struct {
	// Interface is the network interface the registrar binds to.
	Interface string

	// SearchInterval is forwarded to the SSDP service.
	SearchInterval time.Duration

	// EngineFactory creates the per-enrollee registration engine. Nil
	// puts the registrar in observe-only mode.
	EngineFactory wsc.EngineFactory
}

// Service is one external registrar instance.
type Service struct {
	cfg    Config
	logger *logging.Logger
	client *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
	localIP   net.IP
	localMAC  net.HardwareAddr
	httpPort  int
	httpSrv   *http.Server
	listener  net.Listener
	discovery *ssdp.Service

	nextAPID  uint
	aps       map[uint]*ap
	apsByAddr map[string]*ap
}

var _ ssdp.Handler = (*Service)(nil)

// NewService creates a registrar service. Call Start to bring it up.
func NewService(cfg Config, logger *logging.Logger) *Service {
	return &Service{
		cfg:       cfg,
		logger:    logger.WithComponent("ER"),
		client:    &http.Client{},
		aps:       make(map[uint]*ap),
		apsByAddr: make(map[string]*ap),
	}
}

// Start acquires the interface address, starts the event endpoint and
// the SSDP discovery service, and sends the initial M-SEARCH.
func (s *Service) Start(ctx context.Context) error {
	ip, mac, err := ssdp.InterfaceIPv4(s.cfg.Interface)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp4", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return fmt.Errorf("er: failed to bind event endpoint: %w", err)
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.localIP = ip
	s.localMAC = mac
	s.listener = listener
	s.httpPort = listener.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleHTTP)}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("event endpoint failed", "error", err)
		}
	}()

	s.discovery = ssdp.NewService(ssdp.Config{
		Interface:      s.cfg.Interface,
		SearchInterval: s.cfg.SearchInterval,
	}, s, s.logger)
	if err := s.discovery.Start(s.ctx); err != nil {
		s.httpSrv.Close()
		s.wg.Wait()
		return err
	}

	s.logger.Info("started", "interface", s.cfg.Interface,
		"ip", ip.String(), "mac", mac.String(), "http_port", s.httpPort)
	return nil
}

// Stop tears the registrar down: discovery first, then the event
// endpoint, then every AP and its stations.
func (s *Service) Stop() {
	if s.discovery != nil {
		s.discovery.Stop()
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	for _, a := range s.aps {
		s.removeAPLocked(a, removeShutdown)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("stopped")
}

// Port returns the event endpoint's TCP port. Valid after Start.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpPort
}

// SetSelectedRegistrar announces the local registrar's selection state
// to every known AP by fanning out a SetSelectedRegistrar SOAP action.
// Delivery is best-effort; failures are logged only.
func (s *Service) SetSelectedRegistrar(selReg bool, devPasswdID, configMethods uint16) {
	msg := wsc.BuildSelectedRegistrar(selReg, devPasswdID, configMethods)

	type target struct {
		id         uint
		controlURL string
	}
	var targets []target

	s.mu.Lock()
	for _, a := range s.aps {
		if a.controlURL == "" {
			s.logger.Debug("no controlURL for AP", "ap", a.addr.String())
			continue
		}
		if a.inflight != exchangeNone {
			s.logger.Debug("pending HTTP request for AP, skipping", "ap", a.addr.String())
			continue
		}
		a.inflight = exchangeSetSelReg
		targets = append(targets, target{id: a.id, controlURL: a.controlURL})
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.wg.Add(1)
		go s.sendSetSelectedRegistrar(t.id, t.controlURL, msg)
	}
}

// APInfo is a snapshot of one registry entry.
type APInfo struct {
	ID           uint
	Addr         string
	Location     string
	FriendlyName string
	Manufacturer string
	ModelName    string
	UDN          string
	Subscribed   bool
	Stations     int
}

// APs returns a snapshot of the current registry.
func (s *Service) APs() []APInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]APInfo, 0, len(s.aps))
	for _, a := range s.aps {
		out = append(out, APInfo{
			ID:           a.id,
			Addr:         a.addr.String(),
			Location:     a.location,
			FriendlyName: a.device.FriendlyName,
			Manufacturer: a.device.Manufacturer,
			ModelName:    a.device.ModelName,
			UDN:          a.device.UDN,
			Subscribed:   a.subscribed,
			Stations:     len(a.stations),
		})
	}
	return out
}

// outboundCtx returns the context scoping outbound exchanges. Falls back
// to Background for services that were never started (tests drive the
// registry directly).
func (s *Service) outboundCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
