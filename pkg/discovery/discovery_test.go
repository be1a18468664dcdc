package discovery

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"
)

// newDialClient serves a DialServer over an in-memory listener and returns a
// client whose every request lands on it regardless of host.
func newDialClient(t *testing.T, opts DialServerOptions) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	d := NewDialServer(opts)
	go func() { _ = d.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestDeviceDescriptionDocument(t *testing.T) {
	client := newDialClient(t, DialServerOptions{
		FriendlyName: "Living Room TV",
		DeviceID:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Model:        "Chromecast",
	})

	resp, err := client.Get("http://bridge.local:8008/ssdp/device-desc.xml")
	if err != nil {
		t.Fatalf("GET device description: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Application-URL"); got != "http://bridge.local:8008/apps" {
		t.Fatalf("Application-URL: got %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("Content-Type: got %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	doc := string(body)
	for _, want := range []string{
		"<friendlyName>Living Room TV</friendlyName>",
		"<modelName>Chromecast</modelName>",
		"<UDN>uuid:6ba7b810-9dad-11d1-80b4-00c04fd430c8</UDN>",
		"<URLBase>http://bridge.local:8008</URLBase>",
		"urn:dial-multiscreen-org:device:dial:1",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("device description missing %q:\n%s", want, doc)
		}
	}
}

func TestDeviceDescriptionEscapesNames(t *testing.T) {
	client := newDialClient(t, DialServerOptions{
		FriendlyName: `Tom & Jerry's <TV>`,
		DeviceID:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Model:        "Chromecast",
	})

	resp, err := client.Get("http://bridge.local:8008/ssdp/device-desc.xml")
	if err != nil {
		t.Fatalf("GET device description: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	doc := string(body)
	if !strings.Contains(doc, "<friendlyName>Tom &amp; Jerry&apos;s &lt;TV&gt;</friendlyName>") {
		t.Fatalf("friendly name not escaped:\n%s", doc)
	}
	if strings.Contains(doc, "Jerry's <TV>") {
		t.Fatalf("raw markup leaked into document:\n%s", doc)
	}
}

func TestAppEndpoints(t *testing.T) {
	client := newDialClient(t, DialServerOptions{
		FriendlyName: "CastBridge",
		DeviceID:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Model:        "Chromecast",
	})

	resp, err := client.Post("http://bridge.local:8008/apps/YouTube", "text/plain", strings.NewReader(""))
	if err != nil {
		t.Fatalf("POST app: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /apps/YouTube: got %d, want 204", resp.StatusCode)
	}

	resp, err = client.Get("http://bridge.local:8008/apps/YouTube")
	if err != nil {
		t.Fatalf("GET app: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /apps/YouTube: got %d, want 404", resp.StatusCode)
	}

	resp, err = client.Get("http://bridge.local:8008/anything-else")
	if err != nil {
		t.Fatalf("GET unknown path: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown path: got %d, want 404", resp.StatusCode)
	}
}

func TestAdvertiserTXTRecords(t *testing.T) {
	a := NewAdvertiser(AdvertiserOptions{
		FriendlyName: "CastBridge",
		DeviceID:     "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Model:        "Chromecast",
		Port:         8009,
	})

	records := a.txtRecords()
	want := map[string]string{
		"id": "6ba7b8109dad11d180b400c04fd430c8",
		"fn": "CastBridge",
		"md": "Chromecast",
		"ve": "05",
		"ca": "4101",
		"st": "0",
		"nf": "1",
		"rs": "",
	}
	got := make(map[string]string, len(records))
	for _, rec := range records {
		key, val, ok := strings.Cut(rec, "=")
		if !ok {
			t.Fatalf("record %q is not key=value", rec)
		}
		got[key] = val
	}
	for key, val := range want {
		if got[key] != val {
			t.Errorf("txt %s: got %q, want %q", key, got[key], val)
		}
	}
	if len(got) != len(want) {
		t.Errorf("txt record count: got %d (%v), want %d", len(got), records, len(want))
	}
}

func TestAdvertiserDefaultsPort(t *testing.T) {
	a := NewAdvertiser(AdvertiserOptions{FriendlyName: "CastBridge", DeviceID: "x"})
	if a.opts.Port != 8009 {
		t.Fatalf("default port: got %d, want 8009", a.opts.Port)
	}
}
