package remote

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

func dnsMessage(t *testing.T, configure func(*dns.Msg)) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	if configure != nil {
		configure(m)
	}
	packed, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return packed
}

func newResponse(status int, headers map[string]string, body []byte) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func TestDecodeResponseBadStatus(t *testing.T) {
	resp := newResponse(500, map[string]string{"content-type": dnsMessageContentType}, nil)
	_, _, err := decodeResponse(resp)
	if doherr.Of(err) != doherr.KindHeaderStatus {
		t.Fatalf("Of(err) = %v, want KindHeaderStatus", doherr.Of(err))
	}
}

func TestDecodeResponseMissingContentType(t *testing.T) {
	resp := newResponse(200, nil, nil)
	_, _, err := decodeResponse(resp)
	if doherr.Of(err) != doherr.KindHeaderNoContentType {
		t.Fatalf("Of(err) = %v, want KindHeaderNoContentType", doherr.Of(err))
	}
}

func TestDecodeResponseWrongContentType(t *testing.T) {
	resp := newResponse(200, map[string]string{"content-type": "text/plain"}, nil)
	_, _, err := decodeResponse(resp)
	if doherr.Of(err) != doherr.KindHeaderContentType {
		t.Fatalf("Of(err) = %v, want KindHeaderContentType", doherr.Of(err))
	}
}

func TestDecodeResponseCacheControlMaxAge(t *testing.T) {
	body := dnsMessage(t, nil)
	resp := newResponse(200, map[string]string{
		"content-type":  dnsMessageContentType,
		"cache-control": "public, max-age=120",
	}, body)

	msg, duration, err := decodeResponse(resp)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if msg == nil {
		t.Fatal("msg is nil")
	}
	if duration == nil || *duration != 120*time.Second {
		t.Fatalf("duration = %v, want 120s", duration)
	}
}

func TestDecodeResponseFallsBackToMinTTL(t *testing.T) {
	body := dnsMessage(t, func(m *dns.Msg) {
		rr, err := dns.NewRR("example.com. 30 IN A 127.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		m.Answer = append(m.Answer, rr)
		rr2, err := dns.NewRR("example.com. 90 IN A 127.0.0.2")
		if err != nil {
			t.Fatal(err)
		}
		m.Answer = append(m.Answer, rr2)
	})
	resp := newResponse(200, map[string]string{"content-type": dnsMessageContentType}, body)

	_, duration, err := decodeResponse(resp)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if duration == nil || *duration != 30*time.Second {
		t.Fatalf("duration = %v, want 30s (min across answers)", duration)
	}
}

func TestDecodeResponseZeroMinTTLMeansNoCache(t *testing.T) {
	body := dnsMessage(t, func(m *dns.Msg) {
		rr, err := dns.NewRR("example.com. 0 IN A 127.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		m.Answer = append(m.Answer, rr)
	})
	resp := newResponse(200, map[string]string{"content-type": dnsMessageContentType}, body)

	_, duration, err := decodeResponse(resp)
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if duration != nil {
		t.Fatalf("duration = %v, want nil (zero TTL means do not cache)", duration)
	}
}

func TestDecodeResponseNotAResponse(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = false
	body, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	resp := newResponse(200, map[string]string{"content-type": dnsMessageContentType}, body)

	_, _, err = decodeResponse(resp)
	if doherr.Of(err) != doherr.KindDNSNotResponse {
		t.Fatalf("Of(err) = %v, want KindDNSNotResponse", doherr.Of(err))
	}
}

func TestReadBodyTruncatesAtCapAndDrains(t *testing.T) {
	oversize := bytes.Repeat([]byte{0x42}, maxDNSPacketSize*2)
	body := bytes.NewReader(oversize)
	data, err := readBody(body)
	if err != nil {
		t.Fatalf("readBody: %v", err)
	}
	if len(data) != maxDNSPacketSize {
		t.Fatalf("len(data) = %d, want %d", len(data), maxDNSPacketSize)
	}
	if body.Len() != 0 {
		t.Fatalf("%d body bytes left unread, want the remainder drained", body.Len())
	}
}

func TestCacheControlMaxAgeIgnoresOtherDirectives(t *testing.T) {
	d := cacheControlMaxAge("no-cache, max-age=42, must-revalidate")
	if d == nil || *d != 42*time.Second {
		t.Fatalf("cacheControlMaxAge = %v, want 42s", d)
	}
}

func TestCacheControlMaxAgeAbsent(t *testing.T) {
	if d := cacheControlMaxAge(strings.Join([]string{"no-cache", "must-revalidate"}, ", ")); d != nil {
		t.Fatalf("cacheControlMaxAge = %v, want nil", d)
	}
}
