// Package plume implements the broker side of the plume protocol: a TCP
// listener that handshakes clients, decodes SUB/PUB frames and fans
// published payloads out to exact-subject subscribers.
package plume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/plumemq/plume/internal/observability"
)

const Version = "0.1.0"

type ServerConfig struct {
	Disabled         bool          `yaml:"disabled"`
	Addr             string        `yaml:"addr"`
	WriteDeadline    time.Duration `yaml:"write_deadline"`
	DispatchPoolSize int           `yaml:"dispatch_pool_size"`
}

type Server struct {
	conf ServerConfig
	id   string

	reg   *registry
	dpool *ants.Pool

	ready  chan struct{}
	lnAddr net.Addr

	l *slog.Logger
}

func NewServer(conf ServerConfig, l *slog.Logger) (*Server, error) {
	dpool, err := ants.NewPool(conf.DispatchPoolSize)
	if err != nil {
		return nil, fmt.Errorf("new dispatch pool: %w", err)
	}

	return &Server{
		conf:  conf,
		id:    fmt.Sprintf("plume-%d", time.Now().UnixNano()),
		reg:   newRegistry(),
		dpool: dpool,
		ready: make(chan struct{}),
		l:     l,
	}, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	connWg := &sync.WaitGroup{}

	defer func() {
		ln.Close()

		timeout := time.After(30 * time.Second)
		done := make(chan struct{})

		go func() {
			connWg.Wait()
			close(done)
		}()

		select {
		case <-timeout:
			s.l.Error("closing listener after timeout")
		case <-done:
			s.l.Info("closing listener after all connections done")
		}

		s.dpool.Release()
		s.l.Info("plume server stopped")
	}()

	s.lnAddr = ln.Addr()
	close(s.ready)
	s.l.Info("plume server started", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.l.Error(fmt.Errorf("accept conn: %w", err).Error())
			continue
		}

		connWg.Add(1)
		go func() {
			defer connWg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	observability.IncConnections(1)
	defer observability.IncConnections(-1)

	out := newOutbound(conn, s.conf.WriteDeadline, s.l)
	h := newHandler(s, out, s.l)
	in := newInbound(conn, h, s.l)

	if err := h.sendInfo(); err != nil {
		s.l.Error("send info", "err", err)
		conn.Close()
		return
	}

	go in.readLoop(ctx)
	out.writeLoop()
	conn.Close()
}

// Addr returns the bound listener address. Valid once ReadyForConnections
// reported true.
func (s *Server) Addr() string {
	return s.lnAddr.String()
}

func (s *Server) ReadyForConnections(timeout time.Duration) bool {
	select {
	case <-time.After(timeout):
		return false
	case <-s.ready:
		return true
	}
}
