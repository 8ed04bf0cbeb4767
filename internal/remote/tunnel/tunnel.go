// Package tunnel implements the proxy layer of the connector: SOCKS5,
// SOCKS5h, HTTP CONNECT and HTTPS CONNECT tunneling to the upstream DoH
// server, grounded on golang.org/x/net/proxy for the SOCKS5 variants (the
// ecosystem-standard SOCKS client) and a hand-rolled CONNECT handshake for
// the HTTP(S) variants, the same shape used across the pack's proxy-dialing
// files (e.g. other_examples' psiphon-tunnel-core and danny30au-dnsproxy
// upstream wiring).
package tunnel

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// Credentials is an optional username/password pair for a proxy.
type Credentials struct {
	Username string
	Password string
}

// SOCKS5 tunnels to one of remoteAddrs (already resolved) via the SOCKS5
// proxy at proxyAddr, dialing the proxy itself with dialer.
func SOCKS5(ctx context.Context, dialer *net.Dialer, proxyAddr string, creds *Credentials, remoteAddrs []string) (net.Conn, error) {
	return socks5Dial(ctx, dialer, proxyAddr, creds, remoteAddrs)
}

// SOCKS5h tunnels to remoteHost:remotePort, handing the unresolved domain
// name to the proxy for resolution.
func SOCKS5h(ctx context.Context, dialer *net.Dialer, proxyAddr string, creds *Credentials, remoteHost string, remotePort uint16) (net.Conn, error) {
	dest := net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort))
	return socks5Dial(ctx, dialer, proxyAddr, creds, []string{dest})
}

func socks5Dial(ctx context.Context, dialer *net.Dialer, proxyAddr string, creds *Credentials, destAddrs []string) (net.Conn, error) {
	var auth *proxy.Auth
	if creds != nil {
		auth = &proxy.Auth{User: creds.Username, Password: creds.Password}
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, dialer)
	if err != nil {
		return nil, doherr.Wrap(doherr.KindSocks, "build socks5 dialer", err)
	}
	ctxDialer, ok := d.(proxy.ContextDialer)
	var lastErr error
	for _, dest := range destAddrs {
		var conn net.Conn
		var dialErr error
		if ok {
			conn, dialErr = ctxDialer.DialContext(ctx, "tcp", dest)
		} else {
			conn, dialErr = d.Dial("tcp", dest)
		}
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, doherr.Wrap(doherr.KindSocks, proxyAddr, lastErr)
}

// HTTPConnect issues "CONNECT remoteHost:remotePort" on conn (already
// connected to the proxy, optionally already TLS-wrapped for an HTTPS
// proxy) with optional HTTP Basic proxy authentication, and returns a
// net.Conn ready to be treated as a direct stream to the remote endpoint.
func HTTPConnect(conn net.Conn, remoteHost string, remotePort uint16, creds *Credentials) (net.Conn, error) {
	target := net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort))
	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return nil, doherr.Wrap(doherr.KindHTTPProxy, "build CONNECT request", err)
	}
	req.Host = target
	if creds != nil {
		token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if err := req.Write(conn); err != nil {
		return nil, doherr.Wrap(doherr.KindHTTPProxy, "write CONNECT request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, doherr.Wrap(doherr.KindHTTPProxy, "read CONNECT response", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, doherr.New(doherr.KindHTTPProxy, fmt.Sprintf("CONNECT to %s: status %s", target, resp.Status))
	}

	// http.ReadResponse may have buffered bytes past the header terminator
	// into br; preserve them by wrapping conn so subsequent reads drain the
	// buffer first.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes already consumed into a bufio.Reader before
// falling through to the underlying net.Conn, so a CONNECT handshake never
// loses TLS ServerHello bytes the proxy pipelined immediately after its 200
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
