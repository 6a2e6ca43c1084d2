// Package dispatch injects prompts into an interactive terminal program so
// that a multi-line prompt arrives as one input and is then submitted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

// ErrDispatchUnavailable is returned without writing anything when the
// session has no live child.
var ErrDispatchUnavailable = errors.New("dispatch unavailable: no live process")

const (
	PasteBegin = "\x1b[200~"
	PasteEnd   = "\x1b[201~"
	Submit     = "\r"
)

// Target is a session's child input.
type Target interface {
	Alive() bool
	BracketedPaste() bool
	Write(p []byte) error
}

// Config holds the settle waits and rate limit.
type Config struct {
	// PasteSettle is the pause between the pasted block and Enter. TUI
	// input loops drop an Enter that arrives while they are still
	// ingesting a paste.
	PasteSettle time.Duration
	// SubmitSettle is the pause after Enter before Send returns.
	SubmitSettle time.Duration

	RatePerSecond float64
	Burst         int
}

// DefaultConfig matches the config.toml defaults.
func DefaultConfig() Config {
	return Config{
		PasteSettle:   150 * time.Millisecond,
		SubmitSettle:  50 * time.Millisecond,
		RatePerSecond: 5,
		Burst:         10,
	}
}

type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Dispatcher serializes writes per session. Sessions never wait on each
// other.
type Dispatcher struct {
	cfg Config

	mu    sync.Mutex
	lanes map[string]*lane
}

// New returns a dispatcher using cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, lanes: make(map[string]*lane)}
}

func (d *Dispatcher) lane(id string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[id]
	if !ok {
		limit := rate.Inf
		if d.cfg.RatePerSecond > 0 {
			limit = rate.Limit(d.cfg.RatePerSecond)
		}
		l = &lane{limiter: rate.NewLimiter(limit, max(d.cfg.Burst, 1))}
		d.lanes[id] = l
	}
	return l
}

// Forget drops the per-session state for a closed session.
func (d *Dispatcher) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lanes, id)
}

// Send pastes text and submits it. It returns once the Enter key has been
// written and the submit settle wait has elapsed.
func (d *Dispatcher) Send(ctx context.Context, id string, t Target, text string) error {
	if t == nil || !t.Alive() {
		return ErrDispatchUnavailable
	}

	l := d.lane(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch: rate limit: %w", err)
	}

	start := time.Now()
	bracketed := t.BracketedPaste()
	if err := t.Write(payload(text, bracketed)); err != nil {
		return fmt.Errorf("dispatch: write prompt: %w", err)
	}
	if err := sleep(ctx, d.cfg.PasteSettle); err != nil {
		return err
	}
	if err := t.Write([]byte(Submit)); err != nil {
		return fmt.Errorf("dispatch: write submit: %w", err)
	}
	if err := sleep(ctx, d.cfg.SubmitSettle); err != nil {
		return err
	}

	dispatchLog.Debug("prompt_dispatched",
		slog.String("session", id),
		slog.Int("bytes", len(text)),
		slog.Bool("bracketed", bracketed),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// SendKeys writes raw key bytes (Ctrl+C, Escape, arrows) through the same
// serialized lane, without paste markers or a submit.
func (d *Dispatcher) SendKeys(ctx context.Context, id string, t Target, keys []byte) error {
	if t == nil || !t.Alive() {
		return ErrDispatchUnavailable
	}
	l := d.lane(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Write(keys); err != nil {
		return fmt.Errorf("dispatch: write keys: %w", err)
	}
	return nil
}

// payload wraps text in paste markers when the child asked for them. An
// embedded end marker would close the paste early, so it is removed.
func payload(text string, bracketed bool) []byte {
	if !bracketed {
		return []byte(text)
	}
	text = strings.ReplaceAll(text, PasteEnd, "")
	var b strings.Builder
	b.Grow(len(PasteBegin) + len(text) + len(PasteEnd))
	b.WriteString(PasteBegin)
	b.WriteString(text)
	b.WriteString(PasteEnd)
	return []byte(b.String())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: interrupted: %w", ctx.Err())
	}
}
