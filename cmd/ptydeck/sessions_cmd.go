package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
)

const (
	colName   = 20
	colStatus = 9
	colState  = 24
	colDir    = 32
	colID     = 8
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	activeStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	workStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// ListCmd prints open sessions and saved records.
type ListCmd struct {
	JSON bool `help:"Output as JSON"`
}

func (l *ListCmd) Run(cli *CLI) error {
	view, err := cli.client().list(context.Background())
	if err != nil {
		return err
	}
	if l.JSON {
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	fmt.Print(renderList(view))
	return nil
}

func pad(s string, width int) string {
	s = runewidth.Truncate(s, width, "…")
	return runewidth.FillRight(s, width)
}

func shortID(id string) string {
	if len(id) > colID {
		return id[:colID]
	}
	return id
}

func stateLabel(s sessionView) string {
	switch {
	case s.Alert:
		return alertStyle.Render(pad("● needs attention", colState))
	case s.Activity == "working":
		return workStyle.Render(pad("◐ working", colState))
	default:
		return dimStyle.Render(pad("○ "+s.Activity, colState))
	}
}

func renderList(view listView) string {
	var b strings.Builder
	if len(view.Sessions) == 0 {
		b.WriteString("No open sessions.\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s %s %s %s %s",
			pad("NAME", colName), pad("STATUS", colStatus), pad("STATE", colState), pad("DIR", colDir), "ID")))
		b.WriteString("\n")
		for _, s := range view.Sessions {
			name := pad(s.Name, colName)
			if s.Active {
				name = activeStyle.Render(name)
			}
			fmt.Fprintf(&b, "%s %s %s %s %s\n",
				name, pad(s.Status, colStatus), stateLabel(s), pad(s.Dir, colDir), shortID(s.ID))
		}
	}

	open := make(map[string]bool, len(view.Sessions))
	for _, s := range view.Sessions {
		open[s.ID] = true
	}
	var saved []recordView
	for _, r := range view.Records {
		if !open[r.ID] {
			saved = append(saved, r)
		}
	}
	if len(saved) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("Saved (ptydeck resume <name>):"))
		b.WriteString("\n")
		for _, r := range saved {
			last := "never"
			if !r.LastActiveAt.IsZero() {
				last = humanize.Time(r.LastActiveAt)
			}
			fmt.Fprintf(&b, "%s %s %s %s\n",
				pad(r.Name, colName), pad(r.Mode, colStatus), dimStyle.Render(pad(last, colState)), shortID(r.ID))
		}
	}
	fmt.Fprintf(&b, "\nTotal: %d open, %d saved\n", len(view.Sessions), len(saved))
	return b.String()
}

// NewCmd starts a session.
type NewCmd struct {
	Name     string `arg:"" optional:"" help:"Session name (defaults to the directory name, or a generated one if taken)"`
	Dir      string `help:"Working directory" short:"C" type:"path"`
	Agent    bool   `help:"Launch the coding agent instead of a shell" short:"a"`
	Resume   string `help:"Agent conversation id to resume"`
	Continue bool   `help:"Continue the most recent agent conversation in the directory"`
	Yolo     bool   `help:"Skip the agent's permission prompts"`
	Rows     int    `help:"Initial rows"`
	Cols     int    `help:"Initial columns"`
}

func (n *NewCmd) Run(cli *CLI) error {
	dir := n.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	mode := "shell"
	if n.Agent || n.Resume != "" || n.Continue || n.Yolo {
		mode = "agent"
	}
	s, err := cli.client().create(context.Background(), createBody{
		Name:             n.Name,
		Dir:              dir,
		Mode:             mode,
		ResumeToken:      n.Resume,
		Continue:         n.Continue,
		SkipConfirmation: n.Yolo,
		Rows:             n.Rows,
		Cols:             n.Cols,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Started %s (%s) in %s\n", s.Name, shortID(s.ID), s.Dir)
	return nil
}

// SendCmd submits a prompt.
type SendCmd struct {
	Session string   `arg:"" help:"Session id, id prefix or name"`
	Text    []string `arg:"" optional:"" help:"Prompt text; '-' or nothing reads stdin"`
}

func (s *SendCmd) Run(cli *CLI) error {
	text := strings.Join(s.Text, " ")
	if text == "" || text == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimRight(string(raw), "\n")
	}
	if text == "" {
		return fmt.Errorf("nothing to send")
	}
	return cli.client().send(context.Background(), s.Session, text)
}

// KeysCmd writes raw keystrokes.
type KeysCmd struct {
	Session string   `arg:"" help:"Session id, id prefix or name"`
	Keys    []string `arg:"" help:"Key names (enter, esc, tab, ctrl-c, up, down, left, right) or escaped strings like '\\x1b'"`
}

var namedKeys = map[string]string{
	"enter":     "\r",
	"esc":       "\x1b",
	"escape":    "\x1b",
	"tab":       "\t",
	"backspace": "\x7f",
	"space":     " ",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
}

// parseKeys turns key arguments into bytes.
func parseKeys(args []string) ([]byte, error) {
	var out []byte
	for _, a := range args {
		lower := strings.ToLower(a)
		if seq, ok := namedKeys[lower]; ok {
			out = append(out, seq...)
			continue
		}
		if strings.HasPrefix(lower, "ctrl-") && len(lower) == 6 {
			c := lower[5]
			if c < 'a' || c > 'z' {
				return nil, fmt.Errorf("unsupported key %q", a)
			}
			out = append(out, c-'a'+1)
			continue
		}
		unq, err := strconv.Unquote(`"` + strings.ReplaceAll(a, `"`, `\"`) + `"`)
		if err != nil {
			return nil, fmt.Errorf("bad key %q: %w", a, err)
		}
		out = append(out, unq...)
	}
	return out, nil
}

func (k *KeysCmd) Run(cli *CLI) error {
	keys, err := parseKeys(k.Keys)
	if err != nil {
		return err
	}
	return cli.client().keys(context.Background(), k.Session, keys)
}

// ResumeCmd relaunches a saved session.
type ResumeCmd struct {
	Session string `arg:"" help:"Session id, id prefix or name"`
}

func (r *ResumeCmd) Run(cli *CLI) error {
	s, err := cli.client().resume(context.Background(), r.Session)
	if err != nil {
		return err
	}
	fmt.Printf("Resumed %s (%s)\n", s.Name, shortID(s.ID))
	return nil
}

// CloseCmd terminates a session.
type CloseCmd struct {
	Session string `arg:"" help:"Session id, id prefix or name"`
}

func (c *CloseCmd) Run(cli *CLI) error {
	if err := cli.client().close(context.Background(), c.Session); err != nil {
		return err
	}
	fmt.Printf("Closed %s\n", c.Session)
	return nil
}
