// Package remote owns the upstream DoH connection: the layered connector
// (TCP → optional proxy → TLS → HTTP/2), the generation-tracked Session
// that multiplexes concurrent queries over it with retry and reconnection,
// and the response decoder that turns an HTTP/2 response into a decoded
// DNS message plus an effective cache TTL. Grounded on
// original_source/src/remote/{session,connection,host,response}.rs.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// MethodPOST and MethodGET select the HTTP verb used for each DoH request.
const (
	MethodPOST = http.MethodPost
	MethodGET  = http.MethodGet
)

// Config holds the session's immutable upstream settings: URI, certificate
// identity, retry policy and request method.
type Config struct {
	URI        string
	ServerName string
	TLSConfig  *tls.Config
	Retries    int
	Method     string
}

// Result is what a submitted request eventually yields: the decoded DNS
// response and its derived cache TTL, or an error.
type Result struct {
	Msg      *dns.Msg
	Duration *time.Duration
	Err      error
}

// Session owns the current HTTP/2 connection (or its absence), a
// monotonic generation counter, the static Config, and the Host describing
// how to reach the upstream server. One exclusive lock guards mutation.
type Session struct {
	mu         sync.Mutex
	conn       *http2.ClientConn
	generation uint32
	cfg        Config
	host       *Host
}

// NewSession constructs a Session with no active connection.
func NewSession(cfg Config, host *Host) *Session {
	return &Session{cfg: cfg, host: host}
}

// connect ensures conn is set, attempting up to cfg.Retries times. Must be
// called with mu held. On success, generation is incremented (wrapping).
func (s *Session) connect(ctx context.Context) error {
	if s.conn != nil && s.conn.CanTakeNewRequest() {
		return nil
	}
	s.conn = nil

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		logrus.Debugf("remote: connecting to %s (attempt %d/%d)", s.host, attempt, s.cfg.Retries)
		conn, err := connect(ctx, s.host, s.cfg.TLSConfig, s.cfg.ServerName)
		if err != nil {
			logrus.Warnf("remote: could not connect to %s: %v", s.host, err)
			lastErr = err
			continue
		}
		logrus.Debugf("remote: connected to %s at %s", s.cfg.ServerName, s.host)
		s.conn = conn
		s.generation++
		return nil
	}
	return doherr.Wrap(doherr.KindCouldNotConnectServer, "", lastErr)
}

// Disconnect clears the current connection iff it is still on generation
// gen, so a stale caller can never tear down a newer connection a
// concurrent request already established.
func (s *Session) Disconnect(gen uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		logrus.Debug("remote: disconnecting")
		s.conn = nil
	}
}

// StartRequest ensures a connection, encodes dnsRequest with its id forced
// to zero, builds the HTTP request and hands it to a goroutine that submits
// it, and returns a channel that will receive exactly one Result once the
// response is decoded, together with the connection generation the request
// was sent on. The synchronous prelude (connect, encode, build, and the
// CanTakeNewRequest check) runs under the session lock; the submission
// itself (RoundTrip) runs in that goroutine without the lock, and a failed
// submission arrives as the Result's Err without clearing the connection
// here. The returned channel is read without the lock held, so concurrent
// requests multiplex freely over the live HTTP/2 connection.
func (s *Session) StartRequest(ctx context.Context, dnsRequest *dns.Msg) (<-chan Result, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return nil, 0, err
	}

	id := dnsRequest.Id
	dnsRequest.Id = 0
	body, err := dnsRequest.Pack()
	dnsRequest.Id = id
	if err != nil {
		return nil, 0, doherr.Wrap(doherr.KindEncode, "", err)
	}

	req, err := s.buildRequest(ctx, body)
	if err != nil {
		return nil, 0, err
	}

	if !s.conn.CanTakeNewRequest() {
		s.conn = nil
		return nil, 0, doherr.New(doherr.KindNotConnected, "")
	}

	gen := s.generation
	conn := s.conn
	resultCh := make(chan Result, 1)
	go func() {
		resp, err := conn.RoundTrip(req)
		if err != nil {
			resultCh <- Result{Err: doherr.Wrap(doherr.KindH2, "round trip", err)}
			return
		}
		msg, duration, err := decodeResponse(resp)
		resultCh <- Result{Msg: msg, Duration: duration, Err: err}
	}()

	return resultCh, gen, nil
}

func (s *Session) buildRequest(ctx context.Context, body []byte) (*http.Request, error) {
	if s.cfg.Method == MethodGET {
		uri := fmt.Sprintf("%s?dns=%s", s.cfg.URI, base64.RawURLEncoding.EncodeToString(body))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, doherr.Wrap(doherr.KindH2, "build GET request", err)
		}
		req.Header.Set("accept", dnsMessageContentType)
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URI, bytes.NewReader(body))
	if err != nil {
		return nil, doherr.Wrap(doherr.KindH2, "build POST request", err)
	}
	req.Header.Set("accept", dnsMessageContentType)
	req.Header.Set("content-type", dnsMessageContentType)
	req.ContentLength = int64(len(body))
	return req, nil
}
