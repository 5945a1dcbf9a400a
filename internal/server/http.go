package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/config"
)

// HTTPService runs the gateway's HTTP listener as a lifecycle Service.
// Stop drains in-flight requests up to the configured shutdown timeout.
type HTTPService struct {
	logger          *zap.Logger
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService creates an HTTP service serving handler on the
// configured address.
//
// Precondition: logger and handler must be non-nil.
func NewHTTPService(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		logger: logger,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Start begins serving and blocks until the listener closes.
func (s *HTTPService) Start() error {
	s.logger.Info("http listener starting",
		zap.String("addr", s.server.Addr),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, waiting up to the shutdown
// timeout for in-flight requests. Open WebSockets do not count as
// in-flight; their handlers end when the peers disconnect.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete, closing",
			zap.Error(err),
		)
		_ = s.server.Close()
	}
}
