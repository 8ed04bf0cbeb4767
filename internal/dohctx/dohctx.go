// Package dohctx assembles the long-lived state a running forwarder shares
// across every request: the UDP reply sender, the upstream remote.Session,
// the optional response cache and its fallback policy, and the per-query
// timeout. Grounded on original_source/src/context.rs's Context struct,
// bundling shared, concurrency-safe state behind a handful of fields.
package dohctx

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/mikispag/doh-forwarder/internal/cache"
	"github.com/mikispag/doh-forwarder/internal/remote"
)

// Reply encodes a DNS response and delivers it to the client that asked for it.
// *listener.Listener's Reply method satisfies this; tests can substitute a
// func literal that records calls instead of touching a socket.
type Reply func(msg *dns.Msg, addr net.Addr) error

// Session is the subset of *remote.Session the handler depends on. Tests
// substitute a fake to exercise the timeout/fallback paths without a real
// upstream connection.
type Session interface {
	StartRequest(ctx context.Context, dnsRequest *dns.Msg) (<-chan remote.Result, uint32, error)
	Disconnect(generation uint32)
}

// Context bundles everything request_handler needs that outlives any single
// query: where to send answers, how to reach the upstream DoH server, the
// shared cache (nil when caching is disabled), and whether a timed-out or
// failed lookup may still answer from a stale cache entry.
type Context struct {
	Reply         Reply
	Session       Session
	Cache         *cache.Cache[dns.Question, *dns.Msg]
	CacheFallback bool
	Timeout       time.Duration
}

// New constructs a Context. cache may be nil, meaning caching is disabled
// entirely; cacheFallback must only be true when cache is non-nil (the
// caller, internal/config, enforces this at flag-validation time).
func New(reply Reply, session Session, c *cache.Cache[dns.Question, *dns.Msg], cacheFallback bool, timeout time.Duration) *Context {
	return &Context{
		Reply:         reply,
		Session:       session,
		Cache:         c,
		CacheFallback: cacheFallback,
		Timeout:       timeout,
	}
}
