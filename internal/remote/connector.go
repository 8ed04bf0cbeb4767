package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/mikispag/doh-forwarder/internal/doherr"
	"github.com/mikispag/doh-forwarder/internal/remote/tunnel"
)

// connectTimeout bounds one connection attempt: the TCP dial, the SOCKS5
// handshake and the TLS handshakes all share this deadline. The HTTP CONNECT
// exchange with a proxy and the HTTP/2 client preface run without it.
const connectTimeout = 10 * time.Second

// connect composes the connector's layers: TCP, optional proxy tunneling,
// TLS with ALPN h2, and the HTTP/2 client handshake, and returns the
// resulting *http2.ClientConn, a handle requests can be sent over
// concurrently.
func connect(ctx context.Context, host *Host, tlsConfig *tls.Config, serverName string) (*http2.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	tunnelConn, err := dialTunnel(ctx, host)
	if err != nil {
		return nil, err
	}

	cfg := tlsConfig.Clone()
	cfg.ServerName = serverName
	tlsConn := tls.Client(tunnelConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tunnelConn.Close()
		return nil, doherr.Wrap(doherr.KindTLS, serverName, err)
	}

	t := &http2.Transport{}
	clientConn, err := t.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, doherr.Wrap(doherr.KindH2, "client preface", err)
	}
	return clientConn, nil
}

// dialTunnel establishes the (possibly proxy-tunneled) TCP stream to the
// upstream server, returning something that, once TLS-wrapped, talks
// directly to that server.
func dialTunnel(ctx context.Context, host *Host) (net.Conn, error) {
	dialer := &net.Dialer{}

	switch host.Kind {
	case Direct:
		addr := net.JoinHostPort(host.Host, fmt.Sprintf("%d", host.Port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, doherr.CouldNotConnect(host.Host, host.Port, err)
		}
		setNoDelay(conn)
		return conn, nil

	case Socks5:
		conn, err := tunnel.SOCKS5(ctx, dialer, proxyAddr(host), host.Credentials, host.RemoteAddrs)
		if err != nil {
			return nil, err
		}
		setNoDelay(conn)
		return conn, nil

	case Socks5h:
		conn, err := tunnel.SOCKS5h(ctx, dialer, proxyAddr(host), host.Credentials, host.RemoteHost, host.RemotePort)
		if err != nil {
			return nil, err
		}
		setNoDelay(conn)
		return conn, nil

	case HTTPProxy:
		conn, err := dialer.DialContext(ctx, "tcp", proxyAddr(host))
		if err != nil {
			return nil, doherr.CouldNotConnect(host.Host, host.Port, err)
		}
		setNoDelay(conn)
		tunneled, err := tunnel.HTTPConnect(conn, host.RemoteHost, host.RemotePort, host.Credentials)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return tunneled, nil

	case HTTPSProxy:
		conn, err := dialer.DialContext(ctx, "tcp", proxyAddr(host))
		if err != nil {
			return nil, doherr.CouldNotConnect(host.Host, host.Port, err)
		}
		setNoDelay(conn)
		tlsConn := tls.Client(conn, host.ProxyTLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, doherr.Wrap(doherr.KindTLS, "https proxy", err)
		}
		tunneled, err := tunnel.HTTPConnect(tlsConn, host.RemoteHost, host.RemotePort, host.Credentials)
		if err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
		return tunneled, nil

	default:
		return nil, doherr.New(doherr.KindUnknown, "unknown host kind")
	}
}

func proxyAddr(host *Host) string {
	return net.JoinHostPort(host.Host, fmt.Sprintf("%d", host.Port))
}

func setNoDelay(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
}
