package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mikispag/doh-forwarder/internal/cache"
	"github.com/mikispag/doh-forwarder/internal/config"
	"github.com/mikispag/doh-forwarder/internal/dohctx"
	"github.com/mikispag/doh-forwarder/internal/handler"
	"github.com/mikispag/doh-forwarder/internal/listener"
	"github.com/mikispag/doh-forwarder/internal/logging"
	"github.com/mikispag/doh-forwarder/internal/remote"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logging.Configure(false)
		logrus.Fatalf("Could not parse configuration: %v", err)
	}

	logging.Configure(cfg.Debug)

	if bi, ok := debug.ReadBuildInfo(); ok {
		logrus.Infof("%s %s", path.Base(bi.Path), bi.Main.Version)
	}

	l, err := listener.New(cfg.Listen)
	if err != nil {
		logrus.Fatalf("Could not open listen socket %s: %v", cfg.Listen, err)
	}
	logrus.Infof("Listening on %s, forwarding to %s", cfg.Listen, cfg.Host)

	var responseCache *cache.Cache[dns.Question, *dns.Msg]
	if cfg.CacheSize > 0 {
		responseCache = cache.New[dns.Question, *dns.Msg](cfg.CacheSize)
	}

	session := remote.NewSession(cfg.RemoteCfg, cfg.Host)
	doh := dohctx.New(l.Reply, session, responseCache, cfg.CacheFallback, cfg.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logrus.Info("Shutting down")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	// l.conn.ReadFrom in Serve blocks regardless of gctx, so closing the
	// socket is what actually unblocks the read loop on shutdown.
	go func() {
		<-gctx.Done()
		_ = l.Close()
	}()

	g.Go(func() error {
		l.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return l.Serve(gctx, func(ctx context.Context, msg []byte, addr net.Addr) {
			if err := handler.Handle(ctx, doh, msg, addr); err != nil {
				logrus.Warnf("Could not handle request from %s: %v", addr, err)
			}
		})
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logrus.Fatalf("Listener stopped: %v", err)
	}
}
