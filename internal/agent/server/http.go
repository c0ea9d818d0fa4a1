package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/options"
)

// HTTP serves a handler until its context is done, then shuts down gracefully.
type HTTP struct {
	server  *http.Server
	options *options.HttpOptions
	log     log.Logger

	ready chan net.Addr
}

func NewHTTP(opts *options.HttpOptions, h http.Handler) *HTTP {
	return &HTTP{
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      h,
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		options: opts,
		log:     log.WithName("http"),
		ready:   make(chan net.Addr, 1),
	}
}

// Addr returns the bound address once the listener is up.
func (s *HTTP) Addr() <-chan net.Addr {
	return s.ready
}

func (s *HTTP) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}
	s.log.Info("Starting HTTP Server", "addr", lis.Addr().String())
	s.ready <- lis.Addr()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
