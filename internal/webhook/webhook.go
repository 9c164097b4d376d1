package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/stampd/internal/config"
	"github.com/schaermu/stampd/internal/lock"
	"github.com/schaermu/stampd/internal/reconcile"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Stampd-Signature"

// RunFunc performs one normal-mode run
type RunFunc func(ctx context.Context) (*reconcile.Summary, error)

// TriggerRequest is the optional JSON body of a trigger, typically sent by a
// workflow hook right after a file was created or changed
type TriggerRequest struct {
	Event string `json:"event"`
	Path  string `json:"path"`
}

// Server accepts authenticated triggers and runs the reconcile engine
type Server struct {
	cfg        *config.Config
	run        RunFunc
	metrics    http.Handler
	logger     *slog.Logger
	secret     []byte
	runMu      sync.Mutex // guards runRunning and runPending
	runRunning bool       // whether a run is currently in progress
	runPending bool       // whether another run is needed after the current one
	debounce   *debouncer
	baseCtx    context.Context
}

// debouncer implements debouncing for trigger events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server. metrics may be nil.
func NewServer(cfg *config.Config, run RunFunc, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}

	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:      cfg,
		run:      run,
		metrics:  metrics,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: cfg.Serve.Debounce},
		baseCtx:  context.Background(),
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start performs an initial run and serves until ctx is canceled. The
// listener is taken from systemd socket activation when available.
func (s *Server) Start(ctx context.Context, listeners []net.Listener) error {
	var ln net.Listener
	switch {
	case len(listeners) > 0:
		ln = listeners[0]
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		s.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	default:
		var err error
		ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial run before serving triggers")
	s.performRun()

	if s.cfg.Serve.Interval > 0 {
		go s.runPeriodically(ctx, s.cfg.Serve.Interval)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) runPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug("periodic run due", "interval", interval)
			s.performRun()
		}
	}
}

// handleTrigger handles incoming trigger requests
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var req TriggerRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("rejecting malformed trigger payload", "error", err)
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}

	s.logger.Info("trigger accepted", "event", req.Event, "path", req.Path)

	s.debounce.trigger(s.performRun)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Run scheduled\n")
}

// verifySignature verifies the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performRun executes a run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are folded into that pending run.
func (s *Server) performRun() {
	s.runMu.Lock()
	if s.runRunning {
		s.runPending = true
		s.runMu.Unlock()
		s.logger.Info("run already in progress, queuing pending re-run")
		return
	}
	s.runRunning = true
	s.runMu.Unlock()

	for {
		ctx := s.baseCtx
		if ctx.Err() != nil {
			s.runMu.Lock()
			s.runRunning = false
			s.runPending = false
			s.runMu.Unlock()
			return
		}

		summary, err := s.run(ctx)
		switch {
		case err == nil:
			s.logger.Info("run completed", "added", summary.Added.Len(), "succeeded", summary.Succeeded.Len())
		case errors.Is(err, reconcile.ErrFilesFailed):
			s.logger.Warn("run completed with failures", "failed", summary.Failed.Len())
		case errors.Is(err, lock.ErrLocked):
			s.logger.Info("another process holds the run lock, skipping")
		default:
			s.logger.Error("run failed", "error", err)
		}

		// Atomically check whether another run was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.runMu.Lock()
		if !s.runPending {
			s.runRunning = false
			s.runMu.Unlock()
			break
		}
		s.runPending = false
		s.runMu.Unlock()

		s.logger.Info("re-running due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
