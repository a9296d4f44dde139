// Package ssdp discovers WPS-capable access points via UPnP SSDP. It
// sends M-SEARCH queries for the WFA device type and listens for
// unsolicited NOTIFY advertisements on the standard multicast group.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"grimm.is/wpser/internal/clock"
	"grimm.is/wpser/internal/logging"
	"grimm.is/wpser/internal/metrics"
)

const (
	// MulticastAddress is the SSDP multicast group.
	MulticastAddress = "239.255.255.250"
	// Port is the SSDP port.
	Port = 1900

	// WFADeviceURN identifies a WPS-capable device in SSDP traffic.
	WFADeviceURN = "urn:schemas-wifialliance-org:device:WFADevice:1"
	// WFAWLANConfigURN identifies the WLANConfig service.
	WFAWLANConfigURN = "urn:schemas-wifialliance-org:service:WFAWLANConfig:1"

	maxDatagram = 4096
)

var multicastIP = net.ParseIP(MulticastAddress)

// Handler receives discovery events. Calls are made from the service's
// read loops, one at a time per socket.
type Handler interface {
	// APDiscovered reports a WFA advertisement or M-SEARCH reply.
	APDiscovered(addr net.IP, location string, maxAge int)
	// APByeBye reports an ssdp:byebye for a WFA device.
	APByeBye(addr net.IP)
}

// Config holds the SSDP service configuration.
type Config struct {
	// Interface is the name of the network interface to bind.
	Interface string
	// SearchInterval is how often M-SEARCH is re-issued. Zero disables
	// periodic re-search; the startup search is always sent.
	SearchInterval time.Duration
}

// Service listens for SSDP traffic and reports WFA devices to a Handler.
type Service struct {
	cfg     Config
	handler Handler
	logger  *logging.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	iface      *net.Interface
	localIP    net.IP
	listenConn net.PacketConn
	searchConn *net.UDPConn
}

// NewService creates a new SSDP discovery service.
func NewService(cfg Config, handler Handler, logger *logging.Logger) *Service {
	return &Service{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithComponent("SSDP"),
	}
}

// LocalIP returns the IPv4 address of the bound interface. Valid after Start.
func (s *Service) LocalIP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIP
}

// Start binds the sockets, begins the read loops and sends the initial
// M-SEARCH.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iface, err := net.InterfaceByName(s.cfg.Interface)
	if err != nil {
		return fmt.Errorf("ssdp: interface %s: %w", s.cfg.Interface, err)
	}
	if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("ssdp: interface %s is not up or not multicast capable", s.cfg.Interface)
	}
	ip, _, err := InterfaceIPv4(s.cfg.Interface)
	if err != nil {
		return err
	}
	s.iface = iface
	s.localIP = ip

	ctx, s.cancel = context.WithCancel(ctx)

	listenConn, err := openListener(ctx)
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(listenConn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: multicastIP}); err != nil {
		listenConn.Close()
		return fmt.Errorf("ssdp: failed to join %s on %s: %w", MulticastAddress, iface.Name, err)
	}

	searchConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		listenConn.Close()
		return fmt.Errorf("ssdp: failed to bind search socket: %w", err)
	}

	s.listenConn = listenConn
	s.searchConn = searchConn

	s.logger.Info("listener started", "interface", iface.Name, "ip", ip.String())

	s.wg.Add(2)
	go s.readLoop(ctx, listenConn, false)
	go s.readLoop(ctx, searchConn, true)

	// s.mu is held here, so send directly rather than through Search.
	if err := s.sendSearch(searchConn); err != nil {
		s.logger.Warn("initial M-SEARCH failed", "error", err)
	}

	if s.cfg.SearchInterval > 0 {
		s.wg.Add(1)
		go s.searchLoop(ctx)
	}

	return nil
}

// Stop shuts the service down and waits for the read loops to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.listenConn != nil {
		s.listenConn.Close()
	}
	if s.searchConn != nil {
		s.searchConn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Search sends one M-SEARCH for the WFA device type.
func (s *Service) Search() error {
	s.mu.Lock()
	conn := s.searchConn
	s.mu.Unlock()
	return s.sendSearch(conn)
}

func (s *Service) sendSearch(conn *net.UDPConn) error {
	if conn == nil {
		return errors.New("ssdp: not started")
	}

	msg := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + MulticastAddress + ":1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: " + WFADeviceURN + "\r\n" +
		"\r\n"

	dst := &net.UDPAddr{IP: multicastIP, Port: Port}
	if _, err := conn.WriteToUDP([]byte(msg), dst); err != nil {
		return fmt.Errorf("ssdp: M-SEARCH send failed: %w", err)
	}
	metrics.Get().SearchesSent.Inc()
	return nil
}

func (s *Service) searchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Search(); err != nil {
				s.logger.Warn("periodic M-SEARCH failed", "error", err)
			}
		}
	}
}

func (s *Service) readLoop(ctx context.Context, conn net.PacketConn, fromSearch bool) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn.SetReadDeadline(clock.Now().Add(1 * time.Second))
			n, src, err := conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) ||
					strings.Contains(err.Error(), "closed network connection") {
					return
				}
				continue
			}
			udp, ok := src.(*net.UDPAddr)
			if !ok {
				continue
			}
			s.dispatch(buf[:n], udp.IP, fromSearch)
		}
	}
}

func (s *Service) dispatch(data []byte, src net.IP, fromSearch bool) {
	m := metrics.Get()

	ad, ok := parseDatagram(data, fromSearch)
	if !ok || !ad.wfa {
		m.SSDPPackets.WithLabelValues("ignored").Inc()
		return
	}
	if ad.byebye {
		m.SSDPPackets.WithLabelValues("byebye").Inc()
		s.logger.Debug("byebye", "from", src.String())
		s.handler.APByeBye(src)
		return
	}
	if ad.location == "" {
		m.SSDPPackets.WithLabelValues("no_location").Inc()
		return
	}
	if ad.maxAge < 1 {
		m.SSDPPackets.WithLabelValues("no_max_age").Inc()
		return
	}

	m.SSDPPackets.WithLabelValues("discovered").Inc()
	s.logger.Debug("AP advertisement", "location", ad.location,
		"from", src.String(), "max_age", ad.maxAge)
	s.handler.APDiscovered(src, ad.location, ad.maxAge)
}

// openListener binds the SSDP port with address reuse so the daemon can
// coexist with other SSDP software on the host.
func openListener(ctx context.Context) (net.PacketConn, error) {
	var lc net.ListenConfig
	lc.Control = func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if opErr != nil {
				return
			}
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return opErr
	}

	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", Port))
	if err != nil {
		return nil, fmt.Errorf("ssdp: failed to bind :%d: %w", Port, err)
	}
	return conn, nil
}
