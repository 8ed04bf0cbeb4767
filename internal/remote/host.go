package remote

import (
	"crypto/tls"
	"fmt"

	"github.com/mikispag/doh-forwarder/internal/remote/tunnel"
)

// HostKind enumerates the five ways the connector can reach the upstream
// DoH server.
type HostKind int

const (
	// Direct dials Host:Port with no intervening proxy.
	Direct HostKind = iota
	// Socks5 tunnels to one of RemoteAddrs (already resolved) through a
	// SOCKS5 proxy at Host:Port.
	Socks5
	// Socks5h tunnels to RemoteHost:RemotePort through a SOCKS5 proxy,
	// handing the unresolved name to the proxy for resolution.
	Socks5h
	// HTTPProxy tunnels to RemoteHost:RemotePort via an HTTP CONNECT proxy
	// at Host:Port.
	HTTPProxy
	// HTTPSProxy is identical to HTTPProxy except the connection to the
	// proxy itself is first wrapped in TLS using ProxyTLSConfig.
	HTTPSProxy
)

func (k HostKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Socks5:
		return "socks5"
	case Socks5h:
		return "socks5h"
	case HTTPProxy:
		return "http-proxy"
	case HTTPSProxy:
		return "https-proxy"
	default:
		return "unknown"
	}
}

// Host describes how to reach the upstream DoH server.
type Host struct {
	Kind HostKind

	// Host/Port: for Direct, the upstream address; for every proxy kind,
	// the proxy's own address.
	Host string
	Port uint16

	Credentials *tunnel.Credentials

	// RemoteAddrs: resolved upstream addresses, used only by Socks5.
	RemoteAddrs []string

	// RemoteHost/RemotePort: unresolved upstream address, used by Socks5h,
	// HTTPProxy and HTTPSProxy.
	RemoteHost string
	RemotePort uint16

	// ProxyTLSConfig: used only by HTTPSProxy, to validate and encrypt the
	// hop to the proxy itself (independent from the upstream DoH server's
	// own TLS config); its ServerName is the proxy's SNI.
	ProxyTLSConfig *tls.Config
}

// NewDirect builds a Host that dials host:port with no proxy.
func NewDirect(host string, port uint16) *Host {
	return &Host{Kind: Direct, Host: host, Port: port}
}

// NewSocks5 builds a Host that tunnels to one of remoteAddrs through a
// SOCKS5 proxy at proxyHost:proxyPort.
func NewSocks5(proxyHost string, proxyPort uint16, creds *tunnel.Credentials, remoteAddrs []string) *Host {
	return &Host{Kind: Socks5, Host: proxyHost, Port: proxyPort, Credentials: creds, RemoteAddrs: remoteAddrs}
}

// NewSocks5h builds a Host that tunnels to remoteHost:remotePort through a
// SOCKS5 proxy, letting the proxy resolve remoteHost.
func NewSocks5h(proxyHost string, proxyPort uint16, creds *tunnel.Credentials, remoteHost string, remotePort uint16) *Host {
	return &Host{Kind: Socks5h, Host: proxyHost, Port: proxyPort, Credentials: creds, RemoteHost: remoteHost, RemotePort: remotePort}
}

// NewHTTPProxy builds a Host that tunnels to remoteHost:remotePort via HTTP
// CONNECT at proxyHost:proxyPort.
func NewHTTPProxy(proxyHost string, proxyPort uint16, creds *tunnel.Credentials, remoteHost string, remotePort uint16) *Host {
	return &Host{Kind: HTTPProxy, Host: proxyHost, Port: proxyPort, Credentials: creds, RemoteHost: remoteHost, RemotePort: remotePort}
}

// NewHTTPSProxy builds a Host identical to NewHTTPProxy but wraps the hop
// to the proxy in TLS using proxyTLSConfig (SNI/CA configured by the
// caller).
func NewHTTPSProxy(proxyHost string, proxyPort uint16, creds *tunnel.Credentials, remoteHost string, remotePort uint16, proxyTLSConfig *tls.Config) *Host {
	return &Host{
		Kind: HTTPSProxy, Host: proxyHost, Port: proxyPort, Credentials: creds,
		RemoteHost: remoteHost, RemotePort: remotePort, ProxyTLSConfig: proxyTLSConfig,
	}
}

// String renders the host the way original_source/src/remote/host.rs's
// Display impl does: the upstream target, annotated with the proxy it is
// reached through when there is one.
func (h *Host) String() string {
	switch h.Kind {
	case Direct:
		return fmt.Sprintf("%s:%d", h.Host, h.Port)
	case Socks5:
		return fmt.Sprintf("%v via socks5 %s:%d", h.RemoteAddrs, h.Host, h.Port)
	case Socks5h:
		return fmt.Sprintf("%s:%d via socks5h %s:%d", h.RemoteHost, h.RemotePort, h.Host, h.Port)
	case HTTPProxy:
		return fmt.Sprintf("%s:%d via http-proxy %s:%d", h.RemoteHost, h.RemotePort, h.Host, h.Port)
	case HTTPSProxy:
		return fmt.Sprintf("%s:%d via https-proxy %s:%d", h.RemoteHost, h.RemotePort, h.Host, h.Port)
	default:
		return "unknown host"
	}
}
