package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// colorProfile picks the lipgloss profile. PTYDECK_COLOR (truecolor, 256,
// 16, none) overrides detection; NO_COLOR disables color.
func colorProfile(getenv func(string) string) termenv.Profile {
	switch strings.ToLower(getenv("PTYDECK_COLOR")) {
	case "truecolor", "true", "24bit":
		return termenv.TrueColor
	case "256", "ansi256":
		return termenv.ANSI256
	case "16", "ansi", "basic":
		return termenv.ANSI
	case "none", "off", "ascii":
		return termenv.Ascii
	}
	if getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}

	colorTerm := getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		return termenv.TrueColor
	}
	t := getenv("TERM")
	if t == "dumb" {
		return termenv.Ascii
	}
	for _, known := range []string{"256color", "direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(t, known) {
			return termenv.TrueColor
		}
	}
	return termenv.ANSI256
}

func initColorProfile() {
	if !termenv.NewOutput(os.Stdout).TTY() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(colorProfile(os.Getenv))
}
