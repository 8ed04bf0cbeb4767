// Package listener owns the UDP socket DNS clients talk to: either a fresh
// bind to a configured address or an inherited, already-bound socket handed
// down by a service manager. Grounded on
// original_source/src/listen/{config,handler}.rs, translated from a
// split-socket design where the send half ran behind an unbounded mpsc
// channel into a single goroutine draining a buffered Go channel — the same
// shape, since neither language lets two goroutines/tasks write a socket
// concurrently without serializing through something.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/mikispag/doh-forwarder/internal/activation"
)

// maxUDPMessageSize bounds a single inbound datagram. DNS-over-UDP queries
// without EDNS0 are capped at 512 bytes; EDNS0 can request up to 4096, which
// this sizes to match the response decoder's own cap in internal/remote.
const maxUDPMessageSize = 4096

// replyQueueSize bounds how many encoded responses may be queued for the
// write goroutine; once the queue is full, Reply drops the response and
// returns an error instead of blocking.
const replyQueueSize = 2048

// Config selects how the UDP socket is obtained, mirroring
// original_source's listen::Config enum: either bind a fresh address, or
// adopt a socket a process supervisor already bound and passed down.
type Config struct {
	Addr       *net.UDPAddr
	Activation bool
}

func (c Config) String() string {
	if c.Activation {
		return fmt.Sprintf("file descriptor %d", activation.InheritedFD)
	}
	return c.Addr.String()
}

type outbound struct {
	msg  []byte
	addr net.Addr
}

// Listener reads DNS queries off a UDP socket and serializes writes back to
// it through a single goroutine, since a socket shared across concurrent
// handler goroutines cannot otherwise be written safely.
type Listener struct {
	conn    *net.UDPConn
	replies chan outbound

	// closedMu guards closed against a Reply racing Close: Close takes the
	// write lock before closing replies, so a Reply that observes closed
	// false under the read lock is guaranteed the channel won't be closed
	// out from under its send.
	closedMu sync.RWMutex
	closed   bool
}

// New binds (or adopts) the configured socket.
func New(cfg Config) (*Listener, error) {
	var conn *net.UDPConn
	if cfg.Activation {
		c, err := activation.Socket()
		if err != nil {
			return nil, err
		}
		conn = c
	} else {
		c, err := net.ListenUDP("udp", cfg.Addr)
		if err != nil {
			return nil, err
		}
		conn = c
	}
	return &Listener{conn: conn, replies: make(chan outbound, replyQueueSize)}, nil
}

// Run drains the reply queue into the socket until ctx is cancelled or the
// socket is closed; it is meant to run in its own goroutine alongside the
// read loop in Serve.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-l.replies:
			if !ok {
				return
			}
			if _, err := l.conn.WriteTo(out.msg, out.addr); err != nil {
				logrus.Errorf("listener: could not send response to %s: %v", out.addr, err)
			}
		}
	}
}

// Reply encodes msg and queues it for delivery to addr. It satisfies
// dohctx.Reply.
func (l *Listener) Reply(msg *dns.Msg, addr net.Addr) error {
	packed, err := msg.Pack()
	if err != nil {
		return err
	}

	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	if l.closed {
		return fmt.Errorf("listener: closed, dropping response to %s", addr)
	}

	select {
	case l.replies <- outbound{msg: packed, addr: addr}:
		return nil
	default:
		return fmt.Errorf("listener: reply queue full, dropping response to %s", addr)
	}
}

// Serve reads datagrams until ctx is cancelled, invoking handle for each one
// in its own goroutine so a slow upstream lookup never blocks the read
// loop.
func (l *Listener) Serve(ctx context.Context, handle func(ctx context.Context, msg []byte, addr net.Addr)) error {
	buf := make([]byte, maxUDPMessageSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		go handle(ctx, msg, addr)
	}
}

// Close closes the reply queue and the underlying socket. Safe to call more
// than once.
func (l *Listener) Close() error {
	l.closedMu.Lock()
	alreadyClosed := l.closed
	l.closed = true
	l.closedMu.Unlock()

	if alreadyClosed {
		return nil
	}
	close(l.replies)
	return l.conn.Close()
}
