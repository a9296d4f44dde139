// Package upnpxml extracts individual items from UPnP XML documents.
//
// Device descriptions and GENA event bodies seen on real networks are
// frequently not schema-clean, so instead of decoding whole documents
// this package scans for the first occurrence of a named element and
// returns its text content.
package upnpxml

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// FirstElement returns the text content of the first <name>...</name>
// element in doc. The match is case-insensitive and ignores namespace
// prefixes on the element name. The second return is false when no such
// element exists.
func FirstElement(doc, name string) (string, bool) {
	lower := strings.ToLower(doc)
	lname := strings.ToLower(name)

	pos := 0
	for {
		open := indexElement(lower, lname, pos)
		if open < 0 {
			return "", false
		}
		gt := strings.IndexByte(lower[open:], '>')
		if gt < 0 {
			return "", false
		}
		if lower[open+gt-1] == '/' {
			// Self-closing element; treat as empty.
			return "", true
		}
		start := open + gt + 1
		end := strings.Index(lower[start:], "</")
		for end >= 0 {
			closeName := stripNamePrefix(lower[start+end+2:])
			if elementNameMatches(closeName, lname) {
				return unescape(strings.TrimSpace(doc[start : start+end])), true
			}
			next := strings.Index(lower[start+end+2:], "</")
			if next < 0 {
				end = -1
				break
			}
			end += 2 + next
		}
		pos = start
	}
}

// indexElement finds the next "<name" occurrence at or after pos whose
// name ends at a delimiter, allowing a namespace prefix ("<ns:name").
func indexElement(lower, lname string, pos int) int {
	for {
		i := strings.Index(lower[pos:], "<")
		if i < 0 {
			return -1
		}
		i += pos
		if elementNameMatches(stripNamePrefix(lower[i+1:]), lname) {
			return i
		}
		pos = i + 1
	}
}

// stripNamePrefix removes a namespace prefix ("ns:") from the start of
// an element name, if one is present before any delimiter.
func stripNamePrefix(s string) string {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return s
	}
	if sp := strings.IndexAny(s, " \t\r\n>/"); sp >= 0 && sp < colon {
		return s
	}
	return s[colon+1:]
}

// elementNameMatches reports whether s starts with name followed by an
// element-name delimiter.
func elementNameMatches(s, name string) bool {
	if !strings.HasPrefix(s, name) {
		return false
	}
	if len(s) == len(name) {
		return true
	}
	switch s[len(name)] {
	case ' ', '\t', '\r', '\n', '>', '/':
		return true
	}
	return false
}

// FirstBase64Element extracts the first <name> element and decodes its
// content as base64. Interior whitespace is tolerated.
func FirstBase64Element(doc, name string) ([]byte, error) {
	text, ok := FirstElement(doc, name)
	if !ok {
		return nil, fmt.Errorf("upnpxml: element %q not found", name)
	}
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, text)
	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("upnpxml: element %q is not valid base64: %w", name, err)
	}
	return data, nil
}

// ResolveURL resolves ref against base per standard URL resolution, so
// relative service URLs in a device description become absolute.
func ResolveURL(base, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("upnpxml: empty URL")
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("upnpxml: bad base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("upnpxml: bad URL %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

var unescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func unescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return unescaper.Replace(s)
}
