// Package server runs the HTTPS static file server: it loads the TLS identity,
// binds the listening socket, wraps it for TLS and serves files until its context ends.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/HMasataka/tlsserve/internal/config"
	"github.com/HMasataka/tlsserve/internal/handshake"
	"github.com/HMasataka/tlsserve/pkg/fileserver"
	"github.com/HMasataka/tlsserve/pkg/tlsctx"
)

var (
	ErrBind         = errors.New("cannot bind listening socket")
	ErrNotListening = errors.New("server is not listening")
)

type Server struct {
	config    config.Config
	tlsConfig *tls.Config
	handler   http.Handler

	listener *handshake.Listener
	http     *http.Server
}

type Option func(*Server)

// WithHandler replaces the file server handler.
func WithHandler(h http.Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// New validates cfg and loads the certificate and key. It does not bind anything,
// so a bad identity is reported before the port is touched.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsConfig, err := tlsctx.Load(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls identity: %w", err)
	}

	if id, err := tlsctx.Describe(tlsConfig); err == nil {
		slog.Debug("tls identity loaded",
			slog.String("subject", id.Subject),
			slog.Any("dns_names", id.DNSNames),
			slog.Time("not_after", id.NotAfter),
		)
	}

	s := &Server{
		config:    cfg,
		tlsConfig: tlsConfig,
		handler:   fileserver.AccessLog(fileserver.New(cfg.Server.Root)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Listen binds the configured address and wraps the socket for TLS.
func (s *Server) Listen(ctx context.Context) error {
	addr := s.config.Server.Addr()

	var lc net.ListenConfig
	raw, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, addr, err)
	}

	options := handshake.DefaultOptions()
	options.Workers = s.config.Handshake.Workers
	options.MaxPending = s.config.Handshake.MaxPending
	options.HandshakeTimeout = s.config.Timeouts.Handshake.Std()

	s.listener = handshake.NewListener(ctx, tls.NewListener(raw, s.tlsConfig), options)

	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles connections until ctx is done or the listener fails.
// Cancelling ctx shuts the server down gracefully and Serve returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}

	timeouts := s.config.Timeouts
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: timeouts.ReadHeader.Std(),
		ReadTimeout:       timeouts.Read.Std(),
		WriteTimeout:      timeouts.Write.Std(),
		IdleTimeout:       timeouts.Idle.Std(),
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.Info("Serving on " + DisplayURL(s.config.Server.Host, s.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...",
		"pending", s.listener.Pending(),
		"waiting", s.listener.Waiting(),
	)

	if err := s.shutdown(); err != nil {
		return err
	}
	<-errCh

	return nil
}

func (s *Server) shutdown() error {
	d := s.config.Timeouts.Shutdown.Std()
	if d <= 0 {
		return s.http.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.http.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// DisplayURL formats the address announced at startup. The configured host is
// kept as written (empty means all interfaces) and the port is omitted when it is the HTTPS default.
func DisplayURL(host string, addr net.Addr) string {
	port := 443
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}

	if host == "" {
		host = config.DefaultHost
	}

	if port == 443 {
		if net.ParseIP(host) != nil && net.ParseIP(host).To4() == nil {
			return "https://[" + host + "]"
		}
		return "https://" + host
	}
	return "https://" + net.JoinHostPort(host, strconv.Itoa(port))
}
