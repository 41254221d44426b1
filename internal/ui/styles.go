// Package ui provides terminal styling for fieldsync command output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Palette
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#66BB6A"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFCA28"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#00695C", Dark: "#26A69A"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9E9E9E"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func init() {
	if !IsTerminal(os.Stdout) {
		DisableColor()
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// DisableColor turns off styling for all Render helpers.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderPass styles a success message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles an error.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles headings and identifiers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold styles emphasis.
func RenderBold(s string) string { return boldStyle.Render(s) }
