package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-bridge/internal/session"
)

// Column widths for `ls`; the path column absorbs the remaining width.
const (
	colName    = 24
	colStatus  = 8
	colMode    = 10
	colUpdated = 16
	minPath    = 12
)

var statusStyles = map[session.Status]lipgloss.Style{
	session.StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")),
	session.StatusWorking: lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true),
	session.StatusBlocked: lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")).Bold(true),
	session.StatusStuck:   lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
	session.StatusOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
}

var headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

// initColorProfile picks the lipgloss colour profile. AGENT_BRIDGE_COLOR
// forces one; piped output is plain.
func initColorProfile() {
	switch strings.ToLower(os.Getenv("AGENT_BRIDGE_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.ANSI256)
}

// terminalWidth returns the stdout width, or 120 when it is not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 120
}

// pad truncates s to width display cells (East Asian wide runes count
// double) and right-pads it.
func pad(s string, width int) string {
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "…")
	}
	return runewidth.FillRight(s, width)
}

func renderSessions(w io.Writer, sessions []session.ManagedSession, width int) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}

	pathWidth := width - colName - colStatus - colMode - colUpdated - 4
	if pathWidth < minPath {
		pathWidth = minPath
	}

	header := strings.Join([]string{
		pad("NAME", colName),
		pad("STATUS", colStatus),
		pad("MODE", colMode),
		pad("UPDATED", colUpdated),
		pad("PATH", pathWidth),
	}, " ")
	fmt.Fprintln(w, headerStyle.Render(strings.TrimRight(header, " ")))

	for _, s := range sessions {
		status := pad(string(s.Status), colStatus)
		if style, ok := statusStyles[s.Status]; ok {
			status = style.Render(status)
		}
		updated := ""
		if !s.UpdatedAt.IsZero() {
			updated = humanize.Time(s.UpdatedAt)
		}
		line := strings.Join([]string{
			pad(s.Name, colName),
			status,
			pad(s.Mode, colMode),
			pad(updated, colUpdated),
			pad(s.ProjectPath, pathWidth),
		}, " ")
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	fmt.Fprintf(w, "\n%d session(s)\n", len(sessions))
}
