package web

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/asheshgoplani/ptydeck/internal/scroll"
	"github.com/asheshgoplani/ptydeck/internal/session"
	"github.com/asheshgoplani/ptydeck/internal/statedb"
)

type fakeSessions struct {
	mu        sync.Mutex
	open      map[string]session.Snapshot
	records   []statedb.SessionRow
	lines     []string
	sent      []string
	keys      []string
	resizes   [][2]int
	wheels    []scroll.WheelEvent
	creates   []session.CreateOptions
	closed    []string
	active    string
	sendErr   error
	createErr error
	subs      map[chan []byte]struct{}
	notices   chan session.Notice
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{
		open:    make(map[string]session.Snapshot),
		subs:    make(map[chan []byte]struct{}),
		notices: make(chan session.Notice, 16),
	}
	for _, id := range ids {
		f.open[id] = session.Snapshot{ID: id, Name: "name-" + id, Status: session.StatusRunning}
	}
	return f
}

func (f *fakeSessions) List() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Snapshot, 0, len(f.open))
	for _, s := range f.open {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) Records() []statedb.SessionRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statedb.SessionRow(nil), f.records...)
}

func (f *fakeSessions) Snapshot(id string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.open[id]
	if !ok {
		return session.Snapshot{}, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	s.Active = f.active == id
	return s, nil
}

func (f *fakeSessions) Resolve(ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []string
	for id := range f.open {
		if strings.HasPrefix(id, ref) {
			found = append(found, id)
		}
	}
	for _, r := range f.records {
		if strings.HasPrefix(r.ID, ref) {
			if _, ok := f.open[r.ID]; !ok {
				found = append(found, r.ID)
			}
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("session %q: %w", ref, session.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("session %q: %w", ref, session.ErrAmbiguous)
}

func (f *fakeSessions) Create(_ context.Context, opts session.CreateOptions) (*session.Session, error) {
	if err := opts.Mode.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, opts)
	id := fmt.Sprintf("new-%d", len(f.creates))
	f.open[id] = session.Snapshot{ID: id, Name: opts.Name, Dir: opts.Dir, Mode: opts.Mode.Kind.String(), Status: session.StatusRunning}
	return &session.Session{ID: id}, nil
}

func (f *fakeSessions) Resume(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			f.open[id] = session.Snapshot{ID: id, Name: r.Name, Status: session.StatusRunning}
			return &session.Session{ID: id}, nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
}

func (f *fakeSessions) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[id]; !ok {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	delete(f.open, id)
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeSessions) SetActive(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[id]; !ok {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	f.active = id
	return nil
}

func (f *fakeSessions) Send(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, id+":"+text)
	return nil
}

func (f *fakeSessions) SendKeys(_ context.Context, id string, keys []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.keys = append(f.keys, id+":"+string(keys))
	return nil
}

func (f *fakeSessions) Hover(id string, on bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.open[id]
	if !ok {
		return false, session.ErrNotFound
	}
	changed := s.Hovering != on
	s.Hovering = on
	f.open[id] = s
	return changed, nil
}

func (f *fakeSessions) Click(id string) (bool, error)    { return f.exists(id) }
func (f *fakeSessions) Expand(id string) (bool, error)   { return f.exists(id) }
func (f *fakeSessions) Condense(id string) (bool, error) { return f.exists(id) }

func (f *fakeSessions) exists(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[id]; !ok {
		return false, session.ErrNotFound
	}
	return true, nil
}

func (f *fakeSessions) Scroll(id string, _ float64) error {
	_, err := f.exists(id)
	return err
}

func (f *fakeSessions) Wheel(id string, ev scroll.WheelEvent) (scroll.WheelResult, error) {
	if _, err := f.exists(id); err != nil {
		return scroll.Consume, err
	}
	f.mu.Lock()
	f.wheels = append(f.wheels, ev)
	f.mu.Unlock()
	if ev.DeltaLines > 0 {
		return scroll.Forward, nil
	}
	return scroll.Consume, nil
}

func (f *fakeSessions) Resize(id string, rows, cols int) error {
	if _, err := f.exists(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.resizes = append(f.resizes, [2]int{rows, cols})
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) Lines(id string) ([]string, error) {
	if _, err := f.exists(id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...), nil
}

func (f *fakeSessions) Subscribe(id string) (<-chan []byte, func(), error) {
	if _, err := f.exists(id); err != nil {
		return nil, nil, err
	}
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (f *fakeSessions) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSessions) emit(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		ch <- chunk
	}
}

// end closes every subscription, as the manager does when a session exits.
func (f *fakeSessions) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *fakeSessions) Notices() <-chan session.Notice { return f.notices }

func (f *fakeSessions) sentSnapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.keys...)
}
