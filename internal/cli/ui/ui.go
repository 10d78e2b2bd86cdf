// Package ui provides the Insforge CLI design system: styles, colors,
// symbols, and terminal-aware helpers. All CLI visual output should use
// these definitions for consistency.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// BrandEmoji is the Insforge brand mark.
const BrandEmoji = "⚡" // ⚡

// Colors — ANSI 4-bit for maximum terminal compatibility.
// lipgloss/termenv handles degradation automatically.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
)

// Semantic styles.
var (
	StyleBold      = lipgloss.NewStyle().Bold(true)
	StyleDim       = lipgloss.NewStyle().Faint(true)
	StyleCyan      = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleGreen     = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleYellow    = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleBoldCyan  = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	StyleBoldRed   = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	StyleSuccess   = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning   = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError     = lipgloss.NewStyle().Foreground(ColorRed)
	StyleLabel     = lipgloss.NewStyle().Bold(true).Width(12)
	StyleHint      = lipgloss.NewStyle().Faint(true)
	StyleBrandLine = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
)

// Unicode status symbols.
const (
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "⚠"
	SymbolArrow   = "→"
)

// ColorEnabled returns whether stderr is a TTY that supports color.
// Respects NO_COLOR and TERM=dumb via termenv.
func ColorEnabled() bool {
	if termenv.EnvNoColor() {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// FormatError returns a styled error message with optional fix suggestions.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	prefix := StyleBoldRed.Render("Error:")
	b.WriteString(fmt.Sprintf("%s %s\n", prefix, msg))

	if len(suggestions) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHint.Render("  Try:") + "\n")
		for _, s := range suggestions {
			b.WriteString(fmt.Sprintf("    %s %s\n", StyleHint.Render(SymbolArrow), s))
		}
	}

	return b.String()
}
