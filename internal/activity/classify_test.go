package activity

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		title     string
		wantState State
		wantClean string
	}{
		{"· Thinking about files", Working, "Thinking about files"},
		{"⠋ Reading main.go", Working, "Reading main.go"},
		{"⠙⠹  Compacting", Working, "Compacting"},
		{"  ⣾ padded  ", Working, "padded"},
		{"✳ Done", FinishedNeedsAttention, "Done"},
		{"✻ Fix login bug", FinishedNeedsAttention, "Fix login bug"},
		{"✽", FinishedNeedsAttention, ""},
		{"✶ ✢ stacked", FinishedNeedsAttention, "✢ stacked"},
		{"zsh", Idle, "zsh"},
		{"  vim main.go ", Idle, "vim main.go"},
		{"", Idle, ""},
		{"Build ⠋ later", Idle, "Build ⠋ later"},
		{"Notes ✳", Idle, "Notes ✳"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			state, clean := Classify(tt.title)
			if state != tt.wantState {
				t.Errorf("Classify(%q) state = %v, want %v", tt.title, state, tt.wantState)
			}
			if clean != tt.wantClean {
				t.Errorf("Classify(%q) clean = %q, want %q", tt.title, clean, tt.wantClean)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		prev  string
		title string
		want  string
	}{
		{"api", "zsh", "api"},
		{"api", "-zsh", "api"},
		{"api", "claude", "api"},
		{"api", "✳ Claude Code", "api"},
		{"api", "", "api"},
		{"", "/Users/me/src/webapp", "webapp"},
		{"", "~/src/webapp/", "webapp"},
		{"old", "/", "old"},
		{"old", "me@laptop: ~/src/ptydeck", "ptydeck"},
		{"api", "· Refactor session store", "Refactor session store"},
		{"api", "✳ Add retries", "Add retries"},
		{"", "/path with spaces/x", "/path with spaces/x"},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.prev, tt.title); got != tt.want {
			t.Errorf("DisplayName(%q, %q) = %q, want %q", tt.prev, tt.title, got, tt.want)
		}
	}
}

func TestDisplayNameTruncates(t *testing.T) {
	long := "Investigate why the websocket bridge drops frames under load"
	got := DisplayName("", long)
	if got == long {
		t.Fatal("expected truncation")
	}
	if []rune(got)[len([]rune(got))-1] != '…' {
		t.Errorf("expected ellipsis, got %q", got)
	}
}

func TestMeaningful(t *testing.T) {
	if Meaningful("zsh") {
		t.Error("zsh should not be meaningful")
	}
	if !Meaningful("Fix flaky test") {
		t.Error("a task title should be meaningful")
	}
}

func TestStateString(t *testing.T) {
	if Working.String() != "working" || FinishedNeedsAttention.String() != "finished" || Idle.String() != "idle" {
		t.Error("unexpected State strings")
	}
}
