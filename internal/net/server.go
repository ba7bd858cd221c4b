package net

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/session"
)

// ConnHandler serves one accepted connection and returns when it is
// done; the server closes nothing on its behalf.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// ConnLimiter caps concurrent connections per source IP. One limiter is
// shared by all three client ports so the cap spans them.
type ConnLimiter struct {
	mu    sync.Mutex
	perIP map[string]int
	max   int
}

func NewConnLimiter(max int) *ConnLimiter {
	return &ConnLimiter{perIP: make(map[string]int), max: max}
}

// Acquire claims a slot for the IP; false means the cap is hit.
func (l *ConnLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] >= l.max {
		return false
	}
	l.perIP[ip]++
	return true
}

func (l *ConnLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perIP[ip] <= 1 {
		delete(l.perIP, ip)
		return
	}
	l.perIP[ip]--
}

// Server accepts TCP connections on one port and runs a handler per
// connection.
type Server struct {
	name    string
	bind    string
	handler ConnHandler
	limiter *ConnLimiter
	log     *zap.Logger
}

func NewServer(name, bind string, handler ConnHandler, limiter *ConnLimiter, log *zap.Logger) *Server {
	return &Server{
		name:    name,
		bind:    bind,
		handler: handler,
		limiter: limiter,
		log:     log.With(zap.String("port", name)),
	}
}

// Run accepts until the context is cancelled. Connections over the
// per-IP cap are closed at accept without a reply.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.bind)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("listening", zap.String("bind", s.bind))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		ip := peerHost(conn)
		if !s.limiter.Acquire(ip) {
			s.log.Warn("connection cap hit", zap.String("ip", ip))
			conn.Close()
			continue
		}
		go func() {
			defer s.limiter.Release(ip)
			s.handler.Serve(ctx, conn)
		}()
	}
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// RunSweeper evicts expired sessions on a fixed cadence until the
// context is cancelled.
func RunSweeper(ctx context.Context, tracker *session.Tracker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tracker.SweepExpired()
		}
	}
}
