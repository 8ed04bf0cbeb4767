// Package handler implements the per-query decision pipeline: look in
// cache, fall through to the upstream remote session on a miss, and fall
// back to a stale cache entry if the upstream attempt times out or fails.
// Grounded on original_source/src/handler.rs's request_handler and its
// helper stages, translated from futures/async fn chains into plain
// sequential Go backed by context.Context for the timeout.
package handler

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/mikispag/doh-forwarder/internal/dohctx"
	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// cacheLookup is what get_response_from_cache returns: either a fully
// resolved outcome (a cache hit), or an unresolved one carrying the single
// question to key a future Put/fallback lookup on (question is nil when the
// request can't be cached at all).
type cacheLookup struct {
	resolved bool
	err      error
	question *dns.Question
}

// cacheKey normalizes q into the form the cache hashes and compares
// entries by: name case-folded, type and class byte-equal. Without this,
// two otherwise-identical queries differing only in letter case (common
// with 0x20-encoding) would never hit each other's cache entry.
func cacheKey(q dns.Question) dns.Question {
	q.Name = dns.CanonicalName(q.Name)
	return q
}

// Handle implements request_handler: decode, try the cache, try the
// upstream server under the configured timeout, and finally try a stale
// cache entry, in that order, replying to addr as soon as any stage
// produces an answer.
func Handle(ctx context.Context, c *dohctx.Context, msg []byte, addr net.Addr) error {
	dnsRequest := new(dns.Msg)
	if err := dnsRequest.Unpack(msg); err != nil {
		return doherr.Wrap(doherr.KindDecode, "", err)
	}
	if dnsRequest.Response {
		return doherr.New(doherr.KindDNSNotRequest, dnsRequest.String())
	}

	lookup := lookupCache(c, dnsRequest, addr)
	if lookup.resolved {
		return lookup.err
	}

	if ok, err := fromRemote(ctx, c, lookup.question, dnsRequest, addr); ok {
		return err
	}

	if ok, err := fromCacheFallback(c, lookup.question, dnsRequest, addr); ok {
		return err
	}

	detail := ""
	if len(dnsRequest.Question) > 0 {
		detail = dnsRequest.Question[0].String()
	}
	return doherr.New(doherr.KindCouldNotGetResponse, detail)
}

// lookupCache is get_response_from_cache: a single-question request is
// looked up with Get (or GetExpired, if cache_fallback is configured, so a
// fresh response can still be distinguished from one worth keeping as a
// fallback candidate on its own terms) and, on a hit, answered immediately.
func lookupCache(c *dohctx.Context, dnsRequest *dns.Msg, addr net.Addr) cacheLookup {
	if c.Cache == nil {
		logrus.Debug("handler: cache is disabled")
		return cacheLookup{}
	}
	if len(dnsRequest.Question) != 1 {
		logrus.Debug("handler: number of questions is not 1")
		return cacheLookup{}
	}
	question := cacheKey(dnsRequest.Question[0])

	var (
		cached *dns.Msg
		hit    bool
	)
	if c.CacheFallback {
		cached, hit = c.Cache.GetExpired(question)
	} else {
		cached, hit = c.Cache.Get(question)
	}
	if !hit {
		logrus.Debug("handler: question is not found in cache")
		return cacheLookup{question: &question}
	}

	logrus.Debug("handler: question is found in cache")
	return cacheLookup{resolved: true, err: reply(c, cached, dnsRequest.Id, addr)}
}

// fromRemote is get_response_from_remote plus get_response: it submits the
// request, waits up to c.Timeout for a decoded response, stores it in the
// cache on success if it carries a cacheable TTL, and disconnects the
// session on timeout or failure so the next query starts a fresh
// connection instead of one possibly wedged mid-handshake.
func fromRemote(ctx context.Context, c *dohctx.Context, question *dns.Question, dnsRequest *dns.Msg, addr net.Addr) (bool, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	resultCh, generation, err := c.Session.StartRequest(timeoutCtx, dnsRequest)
	if err != nil {
		logrus.Infof("handler: could not contact DNS server: %v", err)
		return false, nil
	}

	select {
	case result := <-resultCh:
		if result.Err != nil {
			logrus.Errorf("handler: could not retrieve DNS response from server: %v", result.Err)
			c.Session.Disconnect(generation)
			return false, nil
		}
		if result.Duration != nil && question != nil {
			logrus.Debugf("handler: add record to cache: %s, ttl=%s", question, *result.Duration)
			c.Cache.Put(*question, result.Msg, *result.Duration)
		}
		return true, reply(c, result.Msg, dnsRequest.Id, addr)
	case <-timeoutCtx.Done():
		logrus.Errorf("handler: timeout waiting for DNS response: %v", timeoutCtx.Err())
		c.Session.Disconnect(generation)
		return false, nil
	}
}

// fromCacheFallback is get_response_from_cache_fallback: only consulted
// when cache_fallback is enabled and the query had a cacheable question,
// this answers from an expired entry rather than leaving the client with
// no response at all.
func fromCacheFallback(c *dohctx.Context, question *dns.Question, dnsRequest *dns.Msg, addr net.Addr) (bool, error) {
	if !c.CacheFallback || question == nil {
		logrus.Debug("handler: cache fallback not applicable")
		return false, nil
	}
	cached, hit := c.Cache.GetFallback(*question)
	if !hit {
		logrus.Debug("handler: question is not found in cache fallback")
		return false, nil
	}
	logrus.Debug("handler: question is found in cache fallback")
	return true, reply(c, cached, dnsRequest.Id, addr)
}

// reply stamps dnsResponse with the client's original transaction id,
// copying it first since cache entries are shared across concurrent
// queries and must never be mutated in place, then hands it to c.Reply.
func reply(c *dohctx.Context, dnsResponse *dns.Msg, id uint16, addr net.Addr) error {
	out := dnsResponse.Copy()
	out.Id = id
	return c.Reply(out, addr)
}
