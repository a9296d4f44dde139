package er

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grimm.is/wpser/internal/metrics"
	"grimm.is/wpser/internal/upnpxml"
)

const maxBodySize = 256 * 1024

// fetchDescription performs the device-description GET for a freshly
// added AP and, on success, kicks off the event subscription.
func (s *Service) fetchDescription(apID uint, location string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.outboundCtx(), descriptionTimeout)
	defer cancel()

	body, err := s.httpGet(ctx, location)

	var info deviceInfo
	var scpdURL, controlURL, eventSubURL string
	if err == nil {
		info = parseDeviceInfo(body)
		scpdURL = resolveServiceURL(body, "SCPDURL", location)
		controlURL = resolveServiceURL(body, "controlURL", location)
		eventSubURL = resolveServiceURL(body, "eventSubURL", location)
	}

	s.mu.Lock()
	a := s.aps[apID]
	if a == nil {
		s.mu.Unlock()
		return
	}
	a.inflight = exchangeNone
	if err != nil {
		s.logger.Warn("failed to fetch device info", "ap", a.addr.String(), "error", err)
		s.mu.Unlock()
		return
	}

	a.device = info
	a.scpdURL = scpdURL
	a.controlURL = controlURL
	a.eventSubURL = eventSubURL
	s.logger.Debug("device description parsed", "ap", a.addr.String(),
		"friendly_name", info.FriendlyName, "control_url", controlURL,
		"event_sub_url", eventSubURL)

	if a.eventSubURL == "" {
		s.logger.Warn("no eventSubURL, cannot subscribe", "ap", a.addr.String())
		s.mu.Unlock()
		return
	}
	a.inflight = exchangeSubscribe
	subURL := a.eventSubURL
	id := a.id
	s.mu.Unlock()

	s.subscribe(id, subURL)
}

func (s *Service) httpGet(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// parseDeviceInfo extracts the first instance of each device metadata tag.
func parseDeviceInfo(body string) deviceInfo {
	first := func(tag string) string {
		v, _ := upnpxml.FirstElement(body, tag)
		return v
	}
	return deviceInfo{
		FriendlyName:     first("friendlyName"),
		Manufacturer:     first("manufacturer"),
		ManufacturerURL:  first("manufacturerURL"),
		ModelDescription: first("modelDescription"),
		ModelName:        first("modelName"),
		ModelNumber:      first("modelNumber"),
		ModelURL:         first("modelURL"),
		SerialNumber:     first("serialNumber"),
		UDN:              first("UDN"),
		UPC:              first("UPC"),
	}
}

// resolveServiceURL extracts a service URL tag and resolves it against
// the description's own location.
func resolveServiceURL(body, tag, base string) string {
	ref, ok := upnpxml.FirstElement(body, tag)
	if !ok || ref == "" {
		return ""
	}
	resolved, err := upnpxml.ResolveURL(base, ref)
	if err != nil {
		return ""
	}
	return resolved
}

// subscribe issues the initial GENA SUBSCRIBE for an AP's event channel.
// The caller must have claimed the AP's exchange slot.
func (s *Service) subscribe(apID uint, eventSubURL string) {
	s.mu.Lock()
	callback := fmt.Sprintf("<http://%s:%d/event/%d>", s.localIP.String(), s.httpPort, apID)
	s.mu.Unlock()

	sid, err := s.doSubscribe(eventSubURL, map[string][]string{
		"CALLBACK": {callback},
		"NT":       {"upnp:event"},
		"TIMEOUT":  {gena(subscriptionPeriod)},
	})

	m := metrics.Get()
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aps[apID]
	if a == nil {
		return
	}
	a.inflight = exchangeNone
	if err != nil {
		m.Subscriptions.WithLabelValues("initial", "error").Inc()
		s.logger.Warn("failed to subscribe to events", "ap", a.addr.String(), "error", err)
		return
	}
	m.Subscriptions.WithLabelValues("initial", "ok").Inc()
	a.subscribed = true
	a.sid = sid
	a.renew = s.armRenewal(apID)
	s.logger.Info("subscribed to events", "ap", a.addr.String(), "sid", sid)
}

// armRenewal schedules a renewing SUBSCRIBE before the subscription lapses.
func (s *Service) armRenewal(apID uint) *time.Timer {
	return time.AfterFunc(subscriptionPeriod-renewalLead, func() {
		s.renewSubscription(apID)
	})
}

func (s *Service) renewSubscription(apID uint) {
	s.mu.Lock()
	a := s.aps[apID]
	if a == nil || !a.subscribed || a.sid == "" {
		s.mu.Unlock()
		return
	}
	if a.inflight != exchangeNone {
		// Slot busy; try again shortly rather than losing the renewal.
		a.renew = time.AfterFunc(10*time.Second, func() { s.renewSubscription(apID) })
		s.mu.Unlock()
		return
	}
	a.inflight = exchangeRenew
	eventSubURL := a.eventSubURL
	sid := a.sid
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		_, err := s.doSubscribe(eventSubURL, map[string][]string{
			"SID":     {sid},
			"TIMEOUT": {gena(subscriptionPeriod)},
		})

		m := metrics.Get()
		s.mu.Lock()
		defer s.mu.Unlock()
		a := s.aps[apID]
		if a == nil {
			return
		}
		a.inflight = exchangeNone
		if err != nil {
			m.Subscriptions.WithLabelValues("renew", "error").Inc()
			a.subscribed = false
			s.logger.Warn("subscription renewal failed", "ap", a.addr.String(), "error", err)
			return
		}
		m.Subscriptions.WithLabelValues("renew", "ok").Inc()
		a.renew = s.armRenewal(apID)
		s.logger.Debug("subscription renewed", "ap", a.addr.String())
	}()
}

// unsubscribe sends a best-effort UNSUBSCRIBE after an AP left the
// registry. It deliberately ignores the exchange slot: the AP record is
// already gone.
func (s *Service) unsubscribe(eventSubURL, sid string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.outboundCtx(), subscribeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return
	}
	req.Header["SID"] = []string{sid}
	setHost(req, eventSubURL)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("unsubscribe failed", "url", eventSubURL, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// doSubscribe sends a SUBSCRIBE with the given headers and returns the SID.
func (s *Service) doSubscribe(eventSubURL string, headers map[string][]string) (string, error) {
	ctx, cancel := context.WithTimeout(s.outboundCtx(), subscribeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return "", err
	}
	// Header names are set verbatim; GENA peers are not all tolerant of
	// Go's canonical casing.
	for k, v := range headers {
		req.Header[k] = v
	}
	setHost(req, eventSubURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	sid := resp.Header.Get("SID")
	return sid, nil
}

// setHost fills the HOST header from the request URL.
func setHost(req *http.Request, rawURL string) {
	if u, err := url.Parse(rawURL); err == nil {
		req.Host = u.Host
	}
}

// gena formats a subscription duration as a GENA TIMEOUT value.
func gena(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int(d/time.Second))
}

// sendSetSelectedRegistrar delivers one SetSelectedRegistrar action. The
// caller claimed the AP's exchange slot.
func (s *Service) sendSetSelectedRegistrar(apID uint, controlURL string, msg []byte) {
	defer s.wg.Done()

	body := soapEnvelope(actionSetSelectedRegistrar, msg, "")
	err := s.postSOAP(controlURL, actionSetSelectedRegistrar, body)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.Get().SOAPRequests.WithLabelValues(actionSetSelectedRegistrar, result).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.aps[apID]
	if a == nil {
		return
	}
	a.inflight = exchangeNone
	if err != nil {
		s.logger.Warn("SetSelectedRegistrar failed", "ap", a.addr.String(), "error", err)
		return
	}
	s.logger.Debug("SetSelectedRegistrar OK", "ap", a.addr.String())
}

// postSOAP posts one SOAP envelope to an AP control URL.
func (s *Service) postSOAP(controlURL, action string, body []byte) error {
	ctx, cancel := context.WithTimeout(s.outboundCtx(), soapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL,
		strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header["SOAPACTION"] = []string{fmt.Sprintf("%q", urnWFAWLANConfig+"#"+action)}
	setHost(req, controlURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
