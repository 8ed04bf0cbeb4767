package handler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikispag/doh-forwarder/internal/cache"
	"github.com/mikispag/doh-forwarder/internal/dohctx"
	"github.com/mikispag/doh-forwarder/internal/doherr"
	"github.com/mikispag/doh-forwarder/internal/remote"
)

// fakeSession lets each test script exactly how StartRequest/Disconnect
// behave without a real upstream connection.
type fakeSession struct {
	mu          sync.Mutex
	startCalls  int
	disconnects []uint32
	result      remote.Result
	startErr    error
	delay       time.Duration
	generation  uint32
	startCtx    context.Context
}

func (f *fakeSession) StartRequest(ctx context.Context, dnsRequest *dns.Msg) (<-chan remote.Result, uint32, error) {
	f.mu.Lock()
	f.startCalls++
	f.startCtx = ctx
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, 0, f.startErr
	}
	ch := make(chan remote.Result, 1)
	go func() {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		ch <- f.result
	}()
	return ch, f.generation, nil
}

func (f *fakeSession) Disconnect(generation uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, generation)
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return a.s }

func answerMsg(t *testing.T, ttl uint32) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR("example.com. " + itoa(ttl) + " IN A 127.0.0.1")
	require.NoError(t, err)
	m.Answer = append(m.Answer, rr)
	return m
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := ""
	for v > 0 {
		digits = string(rune('0'+v%10)) + digits
		v /= 10
	}
	return digits
}

func newTestContext(session dohctx.Session, c *cache.Cache[dns.Question, *dns.Msg], cacheFallback bool) (*dohctx.Context, *[]*dns.Msg) {
	var sent []*dns.Msg
	ctx := dohctx.New(func(msg *dns.Msg, addr net.Addr) error {
		sent = append(sent, msg)
		return nil
	}, session, c, cacheFallback, 200*time.Millisecond)
	return ctx, &sent
}

func request(t *testing.T) (*dns.Msg, []byte) {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Id = 42
	packed, err := m.Pack()
	require.NoError(t, err)
	return m, packed
}

func TestHandleCacheHitAnswersWithoutContactingRemote(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	_, packed := request(t)
	question := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Put(question, answerMsg(t, 300), time.Minute)

	session := &fakeSession{}
	ctx, sent := newTestContext(session, c, false)

	err := Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)
	assert.Equal(t, uint16(42), (*sent)[0].Id)
	assert.Equal(t, 0, session.startCalls)
}

func TestHandleCacheMissGoesToRemoteAndCachesResult(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	_, packed := request(t)

	duration := 60 * time.Second
	session := &fakeSession{
		result:     remote.Result{Msg: answerMsg(t, 60), Duration: &duration},
		generation: 1,
	}
	ctx, sent := newTestContext(session, c, false)

	err := Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)
	assert.Equal(t, uint16(42), (*sent)[0].Id)

	question := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	_, hit := c.Get(question)
	assert.True(t, hit, "successful remote response with a TTL should populate the cache")
}

func TestHandleTimeoutWithNoFallbackReturnsError(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	_, packed := request(t)

	session := &fakeSession{delay: time.Second, generation: 3}
	ctx, sent := newTestContext(session, c, false)
	ctx.Timeout = 20 * time.Millisecond

	err := Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.Error(t, err)
	assert.Equal(t, doherr.KindCouldNotGetResponse, doherr.Of(err))
	assert.Len(t, *sent, 0)
	assert.Contains(t, session.disconnects, uint32(3))
}

func TestHandleTimeoutFallsBackToStaleCacheEntry(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	_, packed := request(t)
	question := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Put(question, answerMsg(t, 300), -time.Second) // already expired

	session := &fakeSession{delay: time.Second, generation: 9}
	ctx, sent := newTestContext(session, c, true)
	ctx.Timeout = 20 * time.Millisecond

	err := Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)
	assert.Equal(t, uint16(42), (*sent)[0].Id)
}

func TestHandleCacheLookupIsCaseInsensitiveOnName(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	question := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	c.Put(question, answerMsg(t, 300), time.Minute)

	m := new(dns.Msg)
	m.SetQuestion("ExAmPlE.CoM.", dns.TypeA) // 0x20-encoded variant of the cached name
	m.Id = 7
	packed, err := m.Pack()
	require.NoError(t, err)

	session := &fakeSession{}
	ctx, sent := newTestContext(session, c, false)

	err = Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)
	assert.Equal(t, uint16(7), (*sent)[0].Id)
	assert.Equal(t, 0, session.startCalls, "case-differing name should still hit the cache")
}

func TestHandleStartsRemoteRequestWithPerQueryDeadline(t *testing.T) {
	c := cache.New[dns.Question, *dns.Msg](10)
	_, packed := request(t)

	duration := 60 * time.Second
	session := &fakeSession{
		result:     remote.Result{Msg: answerMsg(t, 60), Duration: &duration},
		generation: 1,
	}
	ctx, _ := newTestContext(session, c, false)
	ctx.Timeout = 50 * time.Millisecond

	err := Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.NoError(t, err)

	require.NotNil(t, session.startCtx, "StartRequest should have been called")
	deadline, ok := session.startCtx.Deadline()
	require.True(t, ok, "the context passed to StartRequest must carry the per-query timeout so a hung round trip is actually cancelled, not just stopped-waiting-on")
	assert.True(t, time.Until(deadline) <= ctx.Timeout)
}

func TestHandleRejectsDnsResponseAsRequest(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	packed, err := m.Pack()
	require.NoError(t, err)

	ctx, _ := newTestContext(&fakeSession{}, nil, false)
	err = Handle(context.Background(), ctx, packed, fakeAddr{"127.0.0.1:9999"})
	require.Error(t, err)
	assert.Equal(t, doherr.KindDNSNotRequest, doherr.Of(err))
}
