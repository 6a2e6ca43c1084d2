// Package web serves the session manager over HTTP: a JSON API, a
// WebSocket terminal stream per session, a server-sent event stream of
// notices and the Prometheus endpoint.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/metrics"
	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/session"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Sessions is the part of session.Manager the server drives.
type Sessions interface {
	List() []session.Snapshot
	Records() []statedb.SessionRow
	Snapshot(id string) (session.Snapshot, error)
	Resolve(ref string) (string, error)

	Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error)
	Resume(ctx context.Context, id string) (*session.Session, error)
	Close(ctx context.Context, id string) error
	SetActive(id string) error

	Send(ctx context.Context, id, text string) error
	SendKeys(ctx context.Context, id string, keys []byte) error

	Hover(id string, on bool) (bool, error)
	Click(id string) (bool, error)
	Expand(id string) (bool, error)
	Condense(id string) (bool, error)
	Scroll(id string, pos float64) error
	Wheel(id string, ev scroll.WheelEvent) (scroll.WheelResult, error)
	Resize(id string, rows, cols int) error

	Lines(id string) ([]string, error)
	Subscribe(id string) (<-chan []byte, func(), error)
	Notices() <-chan session.Notice
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// Token, when set, is required as a bearer token or ?token= parameter.
	Token    string
	ReadOnly bool
	Pprof    bool
	// AllowedOrigins are WebSocket origins accepted besides the server's own host.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// Server wraps an HTTP server for the session API.
type Server struct {
	cfg        Config
	sessions   Sessions
	metrics    *metrics.Metrics
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	noticeSubscribersMu sync.Mutex
	noticeSubscribers   map[chan session.Notice]struct{}
	fanOnce             sync.Once
}

// NewServer creates a new web server with routes and middleware.
func NewServer(cfg Config, sessions Sessions) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:               cfg,
		sessions:          sessions,
		metrics:           m,
		noticeSubscribers: make(map[chan session.Notice]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{ref}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{ref}", s.handleCloseSession)
	mux.HandleFunc("POST /api/sessions/{ref}/resume", s.handleResumeSession)
	mux.HandleFunc("POST /api/sessions/{ref}/send", s.handleSend)
	mux.HandleFunc("POST /api/sessions/{ref}/keys", s.handleKeys)
	mux.HandleFunc("POST /api/sessions/{ref}/ui", s.handleUI)
	mux.HandleFunc("POST /api/sessions/{ref}/resize", s.handleResize)
	mux.HandleFunc("POST /api/sessions/{ref}/active", s.handleSetActive)
	mux.HandleFunc("GET /api/sessions/{ref}/screen", s.handleScreen)

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws/sessions/{ref}", s.handleSessionWS)
	mux.Handle("GET /metrics", m.Handler())

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	handler := withRecover(s.withRequestLog(s.withAuth(mux)))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(logging.NewBridgeWriter(logging.CompWeb), "", 0),
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.startNoticeFanout()
	webLog.Info("web_listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.startNoticeFanout()
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

// startNoticeFanout copies manager notices to every SSE subscriber. The
// manager has a single notice channel; the server is its only reader.
func (s *Server) startNoticeFanout() {
	s.fanOnce.Do(func() {
		go func() {
			notices := s.sessions.Notices()
			for {
				select {
				case <-s.baseCtx.Done():
					return
				case n, ok := <-notices:
					if !ok {
						return
					}
					s.publishNotice(n)
				}
			}
		}()
	})
}

func (s *Server) subscribeNotices() chan session.Notice {
	ch := make(chan session.Notice, 16)
	s.noticeSubscribersMu.Lock()
	s.noticeSubscribers[ch] = struct{}{}
	s.noticeSubscribersMu.Unlock()
	return ch
}

func (s *Server) unsubscribeNotices(ch chan session.Notice) {
	if ch == nil {
		return
	}
	s.noticeSubscribersMu.Lock()
	if _, ok := s.noticeSubscribers[ch]; ok {
		delete(s.noticeSubscribers, ch)
		close(ch)
	}
	s.noticeSubscribersMu.Unlock()
}

func (s *Server) publishNotice(n session.Notice) {
	s.noticeSubscribersMu.Lock()
	for ch := range s.noticeSubscribers {
		select {
		case ch <- n:
		default:
		}
	}
	s.noticeSubscribersMu.Unlock()
}
