// Package api exposes the flow engine over HTTP: the Twilio SMS webhook, a
// JSON inbound endpoint, and operational endpoints for scheduled tasks,
// catalog reloads, receipts and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/doylf/neuvero-pulse/internal/catalog"
	"github.com/doylf/neuvero-pulse/internal/models"
	twilioclient "github.com/twilio/twilio-go/client"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a single webhook turn.
	DefaultRequestTimeout = 30 * time.Second
	// ServiceName is reported by the home and health endpoints.
	ServiceName = "neuvero-pulse SMS service"
)

// Engine is the conversation engine the handlers drive.
type Engine interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) string
	RunDueTasks(ctx context.Context) (int, error)
	ReloadCatalog() ([]catalog.Diagnostic, error)
}

// ReceiptStore lists delivery receipts.
type ReceiptStore interface {
	GetReceipts() ([]models.Receipt, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr              string
	PublicURL         string // external base URL Twilio signs requests against
	AuthToken         string // Twilio auth token for signature checks
	ValidateSignature bool
	RequestTimeout    time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the external base URL used to verify Twilio signatures.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithSignatureValidation enables X-Twilio-Signature checks on the webhook.
func WithSignatureValidation(authToken string) Option {
	return func(o *Opts) {
		o.AuthToken = authToken
		o.ValidateSignature = true
	}
}

// WithRequestTimeout bounds each webhook turn.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.RequestTimeout = d
		}
	}
}

// Server serves the HTTP API.
type Server struct {
	engine   Engine
	receipts ReceiptStore
	opts     Opts
}

// NewServer creates a Server. receipts may be nil.
func NewServer(engine Engine, receipts ReceiptStore, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ValidateSignature && o.AuthToken == "" {
		slog.Warn("Server: signature validation requested without an auth token, disabling")
		o.ValidateSignature = false
	}
	return &Server{engine: engine, receipts: receipts, opts: o}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sms", s.smsHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/tasks/run", s.runTasksHandler)
	mux.HandleFunc("/catalog/reload", s.reloadCatalogHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/", s.homeHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "signatureValidation", s.opts.ValidateSignature)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// verifySignature checks the X-Twilio-Signature header against the request
// URL and its form parameters.
func (s *Server) verifySignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(s.opts.AuthToken)
	return validator.Validate(s.requestURL(r), params, signature)
}

// requestURL rebuilds the URL Twilio called.
func (s *Server) requestURL(r *http.Request) string {
	base := s.opts.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
