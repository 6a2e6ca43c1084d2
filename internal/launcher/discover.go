package launcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DiscoverToken finds the conversation id of the agent running in
// req.PGID. It first looks for a transcript held open by any process in
// the group, then for a transcript created in the project directory after
// req.Since. Concurrent calls for the same group share one search.
func (l *ClaudeLauncher) DiscoverToken(ctx context.Context, req DiscoverRequest) (string, error) {
	v, err, _ := l.sf.Do(strconv.Itoa(req.PGID), func() (any, error) {
		return l.discover(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *ClaudeLauncher) discover(parent context.Context, req DiscoverRequest) (string, error) {
	ctx, cancel := context.WithTimeout(parent, l.cfg.DiscoveryTimeout)
	defer cancel()

	projectDir := l.ProjectDir(req.Dir)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		launchLog.Warn("discovery_watch_failed", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
		if err := watcher.Add(projectDir); err != nil {
			// The project directory appears with the first transcript.
			_ = watcher.Add(filepath.Dir(projectDir))
		}
		events, errs = watcher.Events, watcher.Errors
	}

	tick := time.NewTicker(l.cfg.PollInterval)
	defer tick.Stop()

	for {
		if token := l.probe(req, projectDir); token != "" {
			launchLog.Info("token_discovered",
				slog.Int("pgid", req.PGID),
				slog.String("token", token),
				slog.Duration("after", time.Since(req.Since)))
			return token, nil
		}

		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return "", fmt.Errorf("launcher: discover: %w", err)
			}
			return "", fmt.Errorf("launcher: no token for pgid %d within %s: %w",
				req.PGID, l.cfg.DiscoveryTimeout, ErrStaleSession)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == projectDir && ev.Has(fsnotify.Create) {
				_ = watcher.Add(projectDir)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			launchLog.Debug("discovery_watch_error", slog.String("error", err.Error()))
		case <-tick.C:
		}
	}
}

func (l *ClaudeLauncher) probe(req DiscoverRequest, projectDir string) string {
	if token := l.tokenFromOpenFiles(req.PGID, req.Exclude); token != "" {
		return token
	}
	return newestTranscript(projectDir, req.Since, req.Exclude)
}

// tokenFromOpenFiles walks procRoot for members of the process group and
// returns the first transcript one of them holds open.
func (l *ClaudeLauncher) tokenFromOpenFiles(pgid int, exclude map[string]bool) string {
	entries, err := os.ReadDir(l.procRoot)
	if err != nil {
		return ""
	}
	projects := filepath.Join(l.cfg.ConfigDir, "projects") + string(filepath.Separator)

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if group, ok := l.processGroup(pid); !ok || group != pgid {
			continue
		}
		fdDir := filepath.Join(l.procRoot, e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || !strings.HasPrefix(target, projects) {
				continue
			}
			base := filepath.Base(target)
			if !transcriptNameRegex.MatchString(base) {
				continue
			}
			token := strings.TrimSuffix(base, ".jsonl")
			if !exclude[token] {
				return token
			}
		}
	}
	return ""
}

// processGroup reads the pgrp field of /proc/<pid>/stat. The comm field
// is parenthesised and may itself contain spaces or parentheses.
func (l *ClaudeLauncher) processGroup(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join(l.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(s[end+1:])
	// state ppid pgrp ...
	if len(fields) < 3 {
		return 0, false
	}
	pgrp, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, false
	}
	return pgrp, true
}

// newestTranscript returns the most recently modified transcript in dir
// written at or after since.
func newestTranscript(dir string, since time.Time, exclude map[string]bool) string {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(files) == 0 {
		return ""
	}
	// mtime granularity on some filesystems is one second
	since = since.Add(-time.Second)

	var (
		newest     string
		newestTime time.Time
	)
	for _, file := range files {
		base := filepath.Base(file)
		if !transcriptNameRegex.MatchString(base) {
			continue
		}
		token := strings.TrimSuffix(base, ".jsonl")
		if exclude[token] {
			continue
		}
		info, err := os.Stat(file)
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		if info.ModTime().After(newestTime) {
			newest, newestTime = token, info.ModTime()
		}
	}
	return newest
}

// IsStale reports whether output contains one of patterns.
func IsStale(output []byte, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && bytes.Contains(output, []byte(p)) {
			return true
		}
	}
	return false
}
