package ssdp

import (
	"strconv"
	"strings"
)

// advertisement is the digest of one SSDP datagram.
type advertisement struct {
	wfa      bool
	byebye   bool
	location string
	maxAge   int
}

// parseDatagram digests an SSDP datagram into an advertisement. Datagrams
// from the M-SEARCH socket must be 200 OK replies; datagrams from the
// 1900 listener must be NOTIFY requests. Everything else is rejected.
func parseDatagram(data []byte, fromSearch bool) (advertisement, bool) {
	ad := advertisement{maxAge: -1}
	text := string(data)

	if fromSearch {
		if !strings.HasPrefix(text, "HTTP/1.1 200 OK") {
			return ad, false
		}
	} else {
		if !strings.HasPrefix(text, "NOTIFY ") {
			return ad, false
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		lower := strings.ToLower(line)

		if strings.Contains(line, "schemas-wifialliance-org:device:WFADevice:1") ||
			strings.Contains(line, "schemas-wifialliance-org:service:WFAWLANConfig:1") {
			ad.wfa = true
		}

		switch {
		case strings.HasPrefix(lower, "location:"):
			ad.location = strings.TrimLeft(line[len("location:"):], " ")
		case strings.HasPrefix(lower, "nts:"):
			if strings.Contains(lower, "ssdp:byebye") {
				ad.byebye = true
			}
		case strings.HasPrefix(lower, "cache-control:"):
			if idx := strings.Index(lower, "max-age="); idx >= 0 {
				ad.maxAge = parseLeadingInt(line[idx+len("max-age="):])
			}
		}
	}

	return ad, true
}

// parseLeadingInt parses the decimal prefix of s, -1 if there is none.
func parseLeadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return -1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return -1
	}
	return n
}
