package remote

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// maxDNSPacketSize bounds the HTTP response body read: any valid DNS
// message fits; an oversize body indicates a misbehaving or adversarial
// upstream.
const maxDNSPacketSize = 4096

const dnsMessageContentType = "application/dns-message"

// decodeResponse validates status and content type, reads the body up to
// the size cap, decodes it as a DNS message, and derives an effective cache
// TTL from either the HTTP Cache-Control header or the DNS record TTLs.
func decodeResponse(resp *http.Response) (*dns.Msg, *time.Duration, error) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, doherr.New(doherr.KindHeaderStatus, resp.Status)
	}

	contentType := resp.Header.Get("content-type")
	if contentType == "" {
		return nil, nil, doherr.New(doherr.KindHeaderNoContentType, "")
	}
	if contentType != dnsMessageContentType {
		return nil, nil, doherr.New(doherr.KindHeaderContentType, contentType)
	}

	duration := cacheControlMaxAge(resp.Header.Get("cache-control"))

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, nil, doherr.Wrap(doherr.KindDecode, "", err)
	}
	if !msg.Response {
		detail := ""
		if len(msg.Question) > 0 {
			detail = msg.Question[0].String()
		}
		return nil, nil, doherr.New(doherr.KindDNSNotResponse, detail)
	}

	if duration == nil {
		duration = minTTL(msg)
	}

	return msg, duration, nil
}

// cacheControlMaxAge returns the duration named by the first valid
// max-age=<seconds> directive in a Cache-Control header value, or nil if
// none is present.
func cacheControlMaxAge(header string) *time.Duration {
	if header == "" {
		return nil
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) != "max-age" {
			continue
		}
		seconds, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			continue
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}
	return nil
}

// readBody accumulates up to maxDNSPacketSize bytes of body, then continues
// draining (and discarding) any remainder until end-of-stream so the
// caller's flow-control credit is fully released and the goroutine never
// deadlocks on a peer waiting for window space. If any bytes were received
// before a read error, they are kept as the body rather than surfaced as a
// failure — only an error with zero bytes read is reported as H2.
func readBody(body io.Reader) ([]byte, error) {
	limited := io.LimitReader(body, maxDNSPacketSize)
	data, err := io.ReadAll(limited)
	if err != nil && len(data) == 0 {
		return nil, doherr.Wrap(doherr.KindH2, "read body", err)
	}
	// Drain and discard whatever is left so the stream reaches
	// end-of-stream (or a benign reset) without leaving the connection's
	// flow-control window exhausted for the next request.
	_, _ = io.Copy(io.Discard, body)
	return data, nil
}

// minTTL derives the effective TTL as the minimum TTL across answers, then
// (if there were none) authorities, then (if still none) additionals. A
// minimum of zero is treated as "do not cache", the safer default when the
// answer carries no usable TTL.
func minTTL(msg *dns.Msg) *time.Duration {
	if d, ok := minTTLOf(msg.Answer); ok {
		return ttlOrNil(d)
	}
	if d, ok := minTTLOf(msg.Ns); ok {
		return ttlOrNil(d)
	}
	if d, ok := minTTLOf(msg.Extra); ok {
		return ttlOrNil(d)
	}
	return nil
}

func minTTLOf(records []dns.RR) (uint32, bool) {
	if len(records) == 0 {
		return 0, false
	}
	min := records[0].Header().Ttl
	for _, rr := range records[1:] {
		if ttl := rr.Header().Ttl; ttl < min {
			min = ttl
		}
	}
	return min, true
}

func ttlOrNil(ttl uint32) *time.Duration {
	if ttl == 0 {
		return nil
	}
	d := time.Duration(ttl) * time.Second
	return &d
}
