package er

import (
	"net"
	"time"

	"github.com/google/uuid"

	"grimm.is/wpser/internal/metrics"
	"grimm.is/wpser/internal/wsc"
)

// station is one enrollee session under an AP. All fields are guarded by
// the service mutex.
type station struct {
	addr net.HardwareAddr

	configMethods uint16
	uuid          uuid.UUID
	priDevType    [wsc.PrimaryDeviceTypeLen]byte
	devPasswdID   uint16

	manufacturer string
	modelName    string
	modelNumber  string
	serialNumber string
	devName      string

	// m1Received latches once an EAP message has been seen; from then on
	// probe-request data may not overwrite the fields above.
	m1Received bool

	engine   wsc.Engine
	httpBusy bool
	idle     *time.Timer
}

// upsertStation locates or creates the session for mac under a and
// applies the observed attributes. Probe-request data is lower-trust: it
// never overwrites a session that has already seen an EAP message.
// Called with the service mutex held.
func (s *Service) upsertStation(a *ap, mac net.HardwareAddr, attrs *wsc.Attributes, isProbe bool) *station {
	key := mac.String()
	sta := a.stations[key]
	if sta == nil {
		sta = &station{addr: append(net.HardwareAddr(nil), mac...)}
		a.stations[key] = sta
		metrics.Get().ActiveStations.Inc()
		s.logger.Info("new enrollee", "ap", a.addr.String(), "addr", key)
	}

	if !isProbe {
		sta.m1Received = true
	}
	apply := !isProbe || !sta.m1Received

	if apply {
		if attrs.ConfigMethods != nil {
			sta.configMethods = *attrs.ConfigMethods
		}
		if attrs.UUIDE != nil {
			sta.uuid = *attrs.UUIDE
		}
		if attrs.PrimaryDeviceType != nil {
			copy(sta.priDevType[:], attrs.PrimaryDeviceType)
		}
		if attrs.DevicePasswordID != nil {
			sta.devPasswdID = *attrs.DevicePasswordID
		}
		if attrs.Manufacturer != nil {
			sta.manufacturer = string(attrs.Manufacturer)
		}
		if attrs.ModelName != nil {
			sta.modelName = string(attrs.ModelName)
		}
		if attrs.ModelNumber != nil {
			sta.modelNumber = string(attrs.ModelNumber)
		}
		if attrs.SerialNumber != nil {
			sta.serialNumber = string(attrs.SerialNumber)
		}
		if attrs.DeviceName != nil {
			sta.devName = string(attrs.DeviceName)
		}
	}

	if sta.idle != nil {
		sta.idle.Stop()
	}
	apID := a.id
	sta.idle = time.AfterFunc(stationIdleTimeout, func() {
		s.expireStation(apID, key)
	})

	return sta
}

func (s *Service) expireStation(apID uint, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.aps[apID]
	if a == nil {
		return
	}
	sta := a.stations[key]
	if sta == nil {
		return
	}
	s.logger.Info("STA entry timed out", "ap", a.addr.String(), "addr", key)
	s.removeStationLocked(a, sta)
	delete(a.stations, key)
}

// removeStationLocked releases a session's resources. The caller removes
// it from the AP's map.
func (s *Service) removeStationLocked(a *ap, sta *station) {
	if sta.idle != nil {
		sta.idle.Stop()
	}
	if sta.engine != nil {
		sta.engine.Deinit()
		sta.engine = nil
	}
	metrics.Get().ActiveStations.Dec()
}

// stationStep feeds one message into the session's engine and, if the
// exchange continues with a reply, ships it through the AP's control URL.
// Called with the service mutex held.
func (s *Service) stationStep(a *ap, sta *station, op wsc.OpCode, msg []byte) {
	res := sta.engine.ProcessMsg(op, msg)
	switch res {
	case wsc.ResultContinue:
		reply, _ := sta.engine.GetMsg()
		if reply != nil {
			s.sendWLANResponseLocked(a, sta, reply)
		}
	case wsc.ResultDone:
		s.logger.Info("registration protocol completed", "ap", a.addr.String(),
			"addr", sta.addr.String())
	case wsc.ResultFailure:
		s.logger.Warn("registration protocol failed", "ap", a.addr.String(),
			"addr", sta.addr.String())
	}
}

// sendWLANResponseLocked ships one registrar reply as a PutWLANResponse
// action. A reply arriving while the station's HTTP slot is busy is
// dropped. Called with the service mutex held.
func (s *Service) sendWLANResponseLocked(a *ap, sta *station, msg []byte) {
	if sta.httpBusy {
		s.logger.Warn("pending HTTP request for STA, dropping reply",
			"ap", a.addr.String(), "addr", sta.addr.String())
		metrics.Get().RepliesDropped.Inc()
		return
	}
	if a.controlURL == "" {
		s.logger.Warn("no controlURL for AP, dropping reply", "ap", a.addr.String())
		return
	}

	sta.httpBusy = true
	apID := a.id
	controlURL := a.controlURL
	mac := sta.addr.String()

	s.wg.Add(1)
	go s.putWLANResponse(apID, mac, controlURL, msg)
}

func (s *Service) putWLANResponse(apID uint, mac, controlURL string, msg []byte) {
	defer s.wg.Done()

	body := soapEnvelope(actionPutWLANResponse, msg, putWLANResponseExtra(mac))
	err := s.postSOAP(controlURL, actionPutWLANResponse, body)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Get().SOAPRequests.WithLabelValues(actionPutWLANResponse, result).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aps[apID]
	if a == nil {
		return
	}
	if sta := a.stations[mac]; sta != nil {
		sta.httpBusy = false
	}
	if err != nil {
		s.logger.Warn("PutWLANResponse failed", "ap", a.addr.String(),
			"addr", mac, "error", err)
		return
	}
	s.logger.Debug("PutWLANResponse OK", "ap", a.addr.String(), "addr", mac)
}
