// Package config parses and validates the command line flags the binary is
// started with into the fully-wired values main needs: a listener.Config,
// a remote.Host describing how to reach the upstream server (directly or
// through a proxy), a remote.Config carrying the session's TLS identity and
// request shape, and the cache/fallback/timeout settings for
// internal/dohctx. Grounded on original_source/src/cmd/{app,listen_config,
// remote_host}.rs and original_source/src/config.rs, translated from clap's
// declarative Arg builder into the standard library's flag package.
package config

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mikispag/doh-forwarder/internal/doherr"
	"github.com/mikispag/doh-forwarder/internal/listener"
	"github.com/mikispag/doh-forwarder/internal/remote"
	"github.com/mikispag/doh-forwarder/internal/remote/tunnel"
	"github.com/mikispag/doh-forwarder/internal/tlsutil"
)

// defaults mirror original_source/src/cmd/app.rs's default_value entries.
const (
	defaultRemoteHost = "1.1.1.1:443"
	defaultDomain     = "cloudflare-dns.com"
	defaultPath       = "dns-query"
	defaultRetries    = 3
	defaultTimeout    = 2 * time.Second
	defaultCacheSize  = 1024
	defaultListenAddr = "127.0.0.1:53"
)

// Config is the fully-parsed, validated set of values needed to assemble a
// running forwarder.
type Config struct {
	Debug bool

	Listen listener.Config

	Host          *remote.Host
	RemoteCfg     remote.Config
	CacheSize     int
	CacheFallback bool
	Timeout       time.Duration
}

// flags bundles every raw flag.Value pointer so Parse can read them once
// flag.Parse has run.
type flags struct {
	debug            *bool
	listenAddr       *string
	listenActivation *bool
	remoteHost       *string
	domain           *string
	cafile           *string
	clientCerts      *string
	clientKey        *string
	path             *string
	method           *bool
	retries          *int
	timeout          *int64
	cacheSize        *int
	cacheFallback    *bool
	proxyHost        *string
	proxyScheme      *string
	proxyCredentials *string
	proxyHTTPSCAFile *string
	proxyHTTPSDomain *string
}

func register(fs *flag.FlagSet) *flags {
	f := &flags{}
	f.debug = fs.Bool("d", false, "print debug log messages")
	f.listenAddr = fs.String("listen-addr", "", "listen address:port [default: 127.0.0.1:53]")
	f.listenActivation = fs.Bool("listen-activation", false, "use inherited file descriptor 3 as the UDP socket instead of binding listen-addr")
	f.remoteHost = fs.String("remote-host", defaultRemoteHost, "remote addr/domain:port of the DoH server, or the proxy when -proxy-host is set")
	f.domain = fs.String("domain", defaultDomain, "the domain name of the remote DoH server, used for TLS SNI and as the request Host")
	f.cafile = fs.String("cafile", "", "path to a PEM file of trusted CA certificates for the DoH server; empty uses the system pool")
	f.clientCerts = fs.String("client-auth-certs", "", "path to a PEM file of client certificates for mutual TLS")
	f.clientKey = fs.String("client-auth-key", "", "path to the PEM private key matching -client-auth-certs")
	f.path = fs.String("path", defaultPath, "the path component of the DoH request URI")
	f.method = fs.Bool("get", false, "use the GET method instead of POST for the HTTP/2 request")
	f.retries = fs.Int("retries", defaultRetries, "number of connection attempts to the remote server before giving up")
	f.timeout = fs.Int64("timeout", int64(defaultTimeout/time.Second), "seconds to wait for a response before the connection is considered dead")
	f.cacheSize = fs.Int("cache-size", defaultCacheSize, "number of entries in the response cache; 0 disables caching")
	f.cacheFallback = fs.Bool("cache-fallback", false, "answer from an expired cache entry if the upstream server times out or fails; requires cache-size > 0")
	f.proxyHost = fs.String("proxy-host", "", "proxy addr/domain:port (requires -proxy-scheme)")
	f.proxyScheme = fs.String("proxy-scheme", "", "proxy protocol: socks5, socks5h, http or https")
	f.proxyCredentials = fs.String("proxy-credentials", "", "username:password for the proxy")
	f.proxyHTTPSCAFile = fs.String("proxy-https-cafile", "", "path to a PEM file of trusted CA certificates for an https proxy")
	f.proxyHTTPSDomain = fs.String("proxy-https-domain", "", "domain name of an https proxy, used for TLS SNI")
	return f
}

// Parse parses args (typically os.Args[1:]) and validates the result,
// resolving any proxy/remote addresses that need a synchronous DNS lookup
// up front, the same point original_source's Config::try_from does it.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("doh-forwarder", flag.ContinueOnError)
	f := register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	listenCfg, err := listenConfig(f)
	if err != nil {
		return nil, err
	}

	if *f.cacheFallback && *f.cacheSize == 0 {
		return nil, doherr.New(doherr.KindCacheSize, "cache-fallback requires cache-size > 0")
	}

	host, err := remoteHost(f)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := tlsutil.ClientConfig(*f.domain, *f.cafile, *f.clientCerts, *f.clientKey)
	if err != nil {
		return nil, err
	}

	method := remote.MethodPOST
	if *f.method {
		method = remote.MethodGET
	}

	uri := fmt.Sprintf("https://%s/%s", *f.domain, strings.TrimPrefix(*f.path, "/"))

	return &Config{
		Debug:  *f.debug,
		Listen: listenCfg,
		Host:   host,
		RemoteCfg: remote.Config{
			URI:        uri,
			ServerName: *f.domain,
			TLSConfig:  tlsConfig,
			Retries:    *f.retries,
			Method:     method,
		},
		CacheSize:     *f.cacheSize,
		CacheFallback: *f.cacheFallback,
		Timeout:       time.Duration(*f.timeout) * time.Second,
	}, nil
}

func listenConfig(f *flags) (listener.Config, error) {
	if *f.listenActivation {
		return listener.Config{Activation: true}, nil
	}
	addr := *f.listenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return listener.Config{}, doherr.Wrap(doherr.KindAddrParse, addr, err)
	}
	return listener.Config{Addr: udpAddr}, nil
}

// remoteHost builds the remote.Host describing how to reach the upstream
// DoH server, dispatching on -proxy-scheme exactly as
// original_source/src/cmd/remote_host.rs's get_remote_host does.
func remoteHost(f *flags) (*remote.Host, error) {
	remoteHost, remotePort, err := splitHostPort(*f.remoteHost)
	if err != nil {
		return nil, err
	}

	scheme := *f.proxyScheme
	if scheme == "" {
		return remote.NewDirect(remoteHost, remotePort), nil
	}

	if *f.proxyHost == "" {
		return nil, doherr.New(doherr.KindProxyScheme, "proxy-scheme requires proxy-host")
	}
	proxyHost, proxyPort, err := splitHostPort(*f.proxyHost)
	if err != nil {
		return nil, err
	}
	creds, err := proxyCredentials(*f.proxyCredentials)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "socks5":
		addrs, err := resolve(remoteHost, remotePort)
		if err != nil {
			return nil, err
		}
		return remote.NewSocks5(proxyHost, proxyPort, creds, addrs), nil
	case "socks5h":
		return remote.NewSocks5h(proxyHost, proxyPort, creds, remoteHost, remotePort), nil
	case "http":
		return remote.NewHTTPProxy(proxyHost, proxyPort, creds, remoteHost, remotePort), nil
	case "https":
		proxyTLSConfig, err := tlsutil.ClientConfig(*f.proxyHTTPSDomain, *f.proxyHTTPSCAFile, "", "")
		if err != nil {
			return nil, err
		}
		return remote.NewHTTPSProxy(proxyHost, proxyPort, creds, remoteHost, remotePort, proxyTLSConfig), nil
	default:
		return nil, doherr.New(doherr.KindProxyScheme, scheme)
	}
}

func proxyCredentials(raw string) (*tunnel.Credentials, error) {
	if raw == "" {
		return nil, nil
	}
	user, pass, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, doherr.New(doherr.KindProxyCredentials, raw)
	}
	return &tunnel.Credentials{Username: user, Password: pass}, nil
}

// splitHostPort splits "host:port" into its parts, validating the port is a
// well-formed 16-bit number, per original_source's UnknownPort/UnknownHost
// errors.
func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, doherr.New(doherr.KindUnknownHostPort, hostport)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, doherr.New(doherr.KindUnknownPort, hostport)
	}
	return host, uint16(port), nil
}

// resolve performs the synchronous DNS lookup needed only by the socks5
// (not socks5h) scheme, since that protocol variant requires the client to
// resolve the name itself before handing an address to the proxy.
func resolve(host string, port uint16) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{net.JoinHostPort(host, strconv.Itoa(int(port)))}, nil
	}
	ips, err := net.DefaultResolver.LookupHost(context.Background(), host)
	if err != nil {
		return nil, doherr.Wrap(doherr.KindUnknownHostPort, host, err)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(int(port))))
	}
	return addrs, nil
}
