package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/plumemq/plume/config"
	"github.com/plumemq/plume/internal/observability"
	"github.com/plumemq/plume/server/plume"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	conf config.Config

	plumeServer *plume.Server

	l *slog.Logger
}

func NewServer(conf config.Config, l *slog.Logger) (*Server, error) {
	conf.SetDefaults()

	s := &Server{
		conf: conf,
		l:    l,
	}

	if !conf.Plume.Disabled {
		ps, err := plume.NewServer(conf.Plume, l)
		if err != nil {
			return nil, err
		}
		s.plumeServer = ps
	}

	return s, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	shutdown, err := observability.Init(ctx, s.conf.Observability, s.l)
	if err != nil {
		return err
	}
	defer func() {
		sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sCtx)
	}()

	eg, eCtx := errgroup.WithContext(ctx)
	if s.plumeServer != nil {
		eg.Go(func() error {
			return s.plumeServer.ListenAndServe(eCtx)
		})
	}

	return eg.Wait()
}

func (s *Server) ReadyForConnections(timeout time.Duration) bool {
	if s.plumeServer == nil {
		return false
	}
	return s.plumeServer.ReadyForConnections(timeout)
}
