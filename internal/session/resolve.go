package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

type candidate struct {
	id   string
	name string
}

// candidateSource implements fuzzy.Source over session names.
type candidateSource []candidate

func (c candidateSource) String(i int) string { return c[i].name }
func (c candidateSource) Len() int            { return len(c) }

func (m *Manager) candidates() []candidate {
	m.mu.RLock()
	seen := make(map[string]bool, len(m.sessions)+len(m.records))
	out := make([]candidate, 0, len(m.sessions)+len(m.records))
	for id, s := range m.sessions {
		s.mu.RLock()
		out = append(out, candidate{id: id, name: s.name})
		s.mu.RUnlock()
		seen[id] = true
	}
	for id, r := range m.records {
		if !seen[id] {
			out = append(out, candidate{id: id, name: r.Name})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Resolve maps a user reference to a session id, open or persisted. It
// tries the exact id, a unique id prefix, an exact name (case-insensitive)
// and finally the best fuzzy name match.
func (m *Manager) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("session: empty reference: %w", ErrNotFound)
	}
	all := m.candidates()

	for _, c := range all {
		if c.id == ref {
			return c.id, nil
		}
	}

	if match, err := unique(all, func(c candidate) bool { return strings.HasPrefix(c.id, ref) }, ref); match != "" || err != nil {
		return match, err
	}
	if match, err := unique(all, func(c candidate) bool { return strings.EqualFold(c.name, ref) }, ref); match != "" || err != nil {
		return match, err
	}

	matches := fuzzy.FindFrom(ref, candidateSource(all))
	if len(matches) == 0 {
		return "", fmt.Errorf("session %q: %w", ref, ErrNotFound)
	}
	return all[matches[0].Index].id, nil
}

func unique(all []candidate, match func(candidate) bool, ref string) (string, error) {
	var found []string
	for _, c := range all {
		if match(c) {
			found = append(found, c.id)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("session %q matches %d sessions: %w", ref, len(found), ErrAmbiguous)
	}
}
