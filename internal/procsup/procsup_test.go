//go:build !windows
// +build !windows

package procsup

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d not reaped", p.PGID)
	}
}

func TestSpawnFailure(t *testing.T) {
	s := New()
	_, err := s.Spawn(context.Background(), Spec{Executable: "/definitely/not/here"})
	require.ErrorIs(t, err, ErrSpawnFailure)
	assert.Zero(t, s.Tracked())

	_, err = s.Spawn(context.Background(), Spec{})
	require.ErrorIs(t, err, ErrSpawnFailure)
}

func TestSpawnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Spawn(ctx, Spec{Executable: "sh"})
	require.ErrorIs(t, err, ErrSpawnFailure)
}

func TestSpawnWriteRead(t *testing.T) {
	requireShell(t)
	s := New()

	p, err := s.Spawn(context.Background(), Spec{
		Executable: "sh",
		Args:       []string{"-c", "read line; echo got:$line"},
	})
	require.NoError(t, err)
	assert.True(t, s.IsAlive(p.PGID))

	require.NoError(t, s.Write(p.PGID, []byte("hello\r")))

	found := make(chan bool, 1)
	go func() {
		sc := bufio.NewScanner(p.Output())
		for sc.Scan() {
			if strings.Contains(sc.Text(), "got:hello") {
				found <- true
				return
			}
		}
		found <- false
	}()

	select {
	case ok := <-found:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	waitDone(t, p)
	assert.Equal(t, 0, p.ExitCode())
	assert.ErrorIs(t, s.Write(p.PGID, []byte("x")), ErrNotRunning)
	_ = p.Hangup()
}

func TestSignalReachesDescendants(t *testing.T) {
	requireShell(t)
	s := New()

	// The shell backgrounds a sleeper then waits, like a login shell running
	// an agent.
	p, err := s.Spawn(context.Background(), Spec{
		Executable: "sh",
		Args:       []string{"-c", "sleep 30 & wait"},
	})
	require.NoError(t, err)
	defer p.Hangup()

	require.NoError(t, s.Signal(p.PGID, syscall.SIGKILL))
	waitDone(t, p)

	assert.Eventually(t, func() bool { return !GroupAlive(p.PGID) }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, SignalGroup(p.PGID, syscall.SIGTERM), "signalling a vanished group is not an error")
}

func TestSignalGroupRejectsLowIDs(t *testing.T) {
	assert.Error(t, SignalGroup(0, syscall.SIGTERM))
	assert.Error(t, SignalGroup(1, syscall.SIGTERM))
	assert.False(t, GroupAlive(0))
}

func TestBuildEnvAddsTerm(t *testing.T) {
	env := buildEnv([]string{"HOME=/h"}, []string{"FOO=1"})
	assert.Equal(t, []string{"HOME=/h", "FOO=1", "TERM=xterm-256color"}, env)

	env = buildEnv([]string{"TERM=dumb"}, nil)
	assert.Equal(t, []string{"TERM=dumb"}, env)
}
