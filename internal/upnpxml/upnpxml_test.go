package upnpxml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"
)

func TestFirstElement(t *testing.T) {
	doc := `<root><device><friendlyName>AP-One</friendlyName>` +
		`<controlURL>/ctl</controlURL><eventSubURL>/evt</eventSubURL></device></root>`

	cases := []struct {
		name  string
		want  string
		found bool
	}{
		{"friendlyName", "AP-One", true},
		{"controlURL", "/ctl", true},
		{"eventSubURL", "/evt", true},
		{"modelName", "", false},
	}
	for _, c := range cases {
		got, ok := FirstElement(doc, c.name)
		if ok != c.found || got != c.want {
			t.Errorf("FirstElement(%q) = (%q, %v), want (%q, %v)", c.name, got, ok, c.want, c.found)
		}
	}
}

func TestFirstElementCaseInsensitive(t *testing.T) {
	got, ok := FirstElement("<FRIENDLYNAME>ap</FRIENDLYNAME>", "friendlyName")
	if !ok || got != "ap" {
		t.Errorf("got (%q, %v), want (\"ap\", true)", got, ok)
	}
}

func TestFirstElementNamespacePrefix(t *testing.T) {
	doc := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
		`<e:property><WLANEvent>QUJD</WLANEvent></e:property></e:propertyset>`
	got, ok := FirstElement(doc, "WLANEvent")
	if !ok || got != "QUJD" {
		t.Errorf("got (%q, %v), want (\"QUJD\", true)", got, ok)
	}
	// "property" must not match "propertyset".
	if _, ok := FirstElement("<propertyset>x</propertyset>", "property"); ok {
		t.Error("FirstElement matched a longer element name")
	}
}

func TestFirstElementAttributesAndWhitespace(t *testing.T) {
	doc := "<friendlyName type=\"x\">\n  My AP \n</friendlyName>"
	got, ok := FirstElement(doc, "friendlyName")
	if !ok || got != "My AP" {
		t.Errorf("got (%q, %v), want (\"My AP\", true)", got, ok)
	}
}

func TestFirstElementUnescapes(t *testing.T) {
	got, ok := FirstElement("<modelDescription>a &amp; b &lt;c&gt;</modelDescription>", "modelDescription")
	if !ok || got != "a & b <c>" {
		t.Errorf("got (%q, %v)", got, ok)
	}
}

func TestFirstBase64ElementRoundTrip(t *testing.T) {
	payload := []byte{0x02, 'a', 'b', 0x00, 0xff, 0x10}
	doc := fmt.Sprintf("<e:property><WLANEvent>%s</WLANEvent></e:property>",
		base64.StdEncoding.EncodeToString(payload))

	got, err := FirstBase64Element(doc, "WLANEvent")
	if err != nil {
		t.Fatalf("FirstBase64Element: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %x, want %x", got, payload)
	}
}

func TestFirstBase64ElementErrors(t *testing.T) {
	if _, err := FirstBase64Element("<other>x</other>", "WLANEvent"); err == nil {
		t.Error("expected error for missing element")
	}
	if _, err := FirstBase64Element("<WLANEvent>!!!</WLANEvent>", "WLANEvent"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct {
		base, ref, want string
	}{
		{"http://192.0.2.5:80/desc.xml", "/ctl", "http://192.0.2.5:80/ctl"},
		{"http://192.0.2.5:80/desc.xml", "evt", "http://192.0.2.5:80/evt"},
		{"http://192.0.2.5/desc.xml", "http://192.0.2.9/x", "http://192.0.2.9/x"},
	}
	for _, c := range cases {
		got, err := ResolveURL(c.base, c.ref)
		if err != nil {
			t.Errorf("ResolveURL(%q, %q): %v", c.base, c.ref, err)
			continue
		}
		if got != c.want {
			t.Errorf("ResolveURL(%q, %q) = %q, want %q", c.base, c.ref, got, c.want)
		}
	}
	if _, err := ResolveURL("http://192.0.2.5/", ""); err == nil {
		t.Error("expected error for empty ref")
	}
}
