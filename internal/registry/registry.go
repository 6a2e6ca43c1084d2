// Package registry keeps a durable ledger of live process groups so that
// children left behind by a crash can be found and killed on the next start.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var regLog = logging.ForComponent(logging.CompRegistry)

var (
	// ErrTerminationTimeout means the group survived SIGTERM for the whole
	// grace period and had to be killed.
	ErrTerminationTimeout = errors.New("termination timeout")

	// ErrAlreadyRegistered is returned when a live group id is registered
	// a second time.
	ErrAlreadyRegistered = errors.New("process group already registered")
)

// Ledger persists entries. *statedb.StateDB satisfies it.
type Ledger interface {
	PutProcess(pgid int, registeredAt time.Time) error
	DeleteProcess(pgid int) error
	LoadProcesses() (map[int]time.Time, error)
}

// Signaler delivers signals to process groups. *procsup.Supervisor
// satisfies it.
type Signaler interface {
	Signal(pgid int, sig syscall.Signal) error
	IsAlive(pgid int) bool
}

// Entry is one ledger record.
type Entry struct {
	PGID         int
	RegisteredAt time.Time
}

// RecoveryReport describes what RecoverOrphans did.
type RecoveryReport struct {
	Terminated []int
	Dropped    []int
	// Forced lists the subset of Terminated that needed SIGKILL.
	Forced []int
}

// Registry is the in-memory view of the ledger. All methods are safe for
// concurrent use and every mutation is idempotent.
type Registry struct {
	ledger Ledger
	sig    Signaler

	// PollInterval is how often liveness is checked while waiting for a
	// terminated group to exit.
	PollInterval time.Duration

	// KillWait bounds the wait for a group to vanish after SIGKILL.
	KillWait time.Duration

	mu      sync.Mutex
	entries map[int]time.Time
}

// New loads the persisted ledger. Entries loaded here are the orphan
// candidates for RecoverOrphans.
func New(ledger Ledger, sig Signaler) (*Registry, error) {
	r := &Registry{
		ledger:       ledger,
		sig:          sig,
		PollInterval: 50 * time.Millisecond,
		KillWait:     time.Second,
		entries:      make(map[int]time.Time),
	}
	loaded, err := ledger.LoadProcesses()
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	for pgid, at := range loaded {
		r.entries[pgid] = at
	}
	return r, nil
}

// Register records pgid as live.
func (r *Registry) Register(pgid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pgid]; ok {
		return fmt.Errorf("registry: %d: %w", pgid, ErrAlreadyRegistered)
	}
	now := time.Now()
	if err := r.ledger.PutProcess(pgid, now); err != nil {
		return fmt.Errorf("registry: register %d: %w", pgid, err)
	}
	r.entries[pgid] = now
	regLog.Debug("process_registered", slog.Int("pgid", pgid))
	return nil
}

// Unregister drops pgid. Unknown ids are ignored so the natural-exit and
// explicit-close paths can both call it.
func (r *Registry) Unregister(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[pgid]; !ok {
		return
	}
	delete(r.entries, pgid)
	if err := r.ledger.DeleteProcess(pgid); err != nil {
		// The in-memory entry is gone; a leftover row only costs one
		// liveness probe at the next start.
		regLog.Warn("ledger_delete_failed", slog.Int("pgid", pgid), slog.String("error", err.Error()))
		return
	}
	regLog.Debug("process_unregistered", slog.Int("pgid", pgid))
}

// Contains reports whether pgid is in the ledger.
func (r *Registry) Contains(pgid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[pgid]
	return ok
}

// Len returns the number of ledger entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot sorted by registration time.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for pgid, at := range r.entries {
		out = append(out, Entry{PGID: pgid, RegisteredAt: at})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].PGID < out[j].PGID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// TerminateGracefully sends SIGTERM, waits up to timeout, then SIGKILL.
// The entry is always unregistered. The returned error wraps
// ErrTerminationTimeout when SIGKILL was needed.
func (r *Registry) TerminateGracefully(ctx context.Context, pgid int, timeout time.Duration) error {
	defer r.Unregister(pgid)

	if !r.sig.IsAlive(pgid) {
		return nil
	}

	if err := r.sig.Signal(pgid, syscall.SIGTERM); err != nil {
		regLog.Warn("sigterm_failed", slog.Int("pgid", pgid), slog.String("error", err.Error()))
	}
	if r.waitGone(ctx, pgid, timeout) {
		regLog.Info("process_terminated", slog.Int("pgid", pgid), slog.String("signal", "SIGTERM"))
		return nil
	}

	regLog.Warn("termination_timeout", slog.Int("pgid", pgid), slog.Duration("timeout", timeout))
	if err := r.sig.Signal(pgid, syscall.SIGKILL); err != nil {
		regLog.Error("sigkill_failed", slog.Int("pgid", pgid), slog.String("error", err.Error()))
		return fmt.Errorf("registry: kill %d: %w: %v", pgid, ErrTerminationTimeout, err)
	}
	// Detached context: the ledger must not keep an entry just because the
	// caller gave up.
	if !r.waitGone(context.Background(), pgid, r.KillWait) {
		regLog.Error("process_survived_sigkill", slog.Int("pgid", pgid))
	}
	return fmt.Errorf("registry: terminate %d: %w", pgid, ErrTerminationTimeout)
}

func (r *Registry) waitGone(ctx context.Context, pgid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.PollInterval)
	defer tick.Stop()

	for {
		if !r.sig.IsAlive(pgid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !r.sig.IsAlive(pgid)
		case <-tick.C:
		}
	}
}

// RecoverOrphans must run once at startup, before any new process is
// registered. Every entry still in the ledger belongs to a previous run:
// live groups are terminated, dead ones are dropped.
func (r *Registry) RecoverOrphans(ctx context.Context, timeout time.Duration) (RecoveryReport, error) {
	candidates := r.Entries()

	var (
		mu     sync.Mutex
		report RecoveryReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, e := range candidates {
		pgid := e.PGID
		if !r.sig.IsAlive(pgid) {
			r.Unregister(pgid)
			report.Dropped = append(report.Dropped, pgid)
			regLog.Info("stale_entry_dropped", slog.Int("pgid", pgid))
			continue
		}
		g.Go(func() error {
			err := r.TerminateGracefully(gctx, pgid, timeout)
			mu.Lock()
			defer mu.Unlock()
			report.Terminated = append(report.Terminated, pgid)
			if err != nil {
				report.Forced = append(report.Forced, pgid)
			}
			regLog.Warn("orphan_terminated",
				slog.Int("pgid", pgid),
				slog.Time("registered_at", e.RegisteredAt),
				slog.Bool("forced", err != nil))
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(report.Terminated)
	sort.Ints(report.Dropped)
	sort.Ints(report.Forced)
	return report, ctx.Err()
}
