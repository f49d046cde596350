package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// Color palette
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#04B575")
	errorColor   = lipgloss.Color("#FF4B4B")
	mutedColor   = lipgloss.Color("#666666")
)

// styles are bound to one output so colour is only used on terminals.
type styles struct {
	header lipgloss.Style
	label  lipgloss.Style
	ok     lipgloss.Style
	bad    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Bold(true).Foreground(primaryColor),
		label:  r.NewStyle().Foreground(mutedColor).Width(12),
		ok:     r.NewStyle().Foreground(successColor),
		bad:    r.NewStyle().Foreground(errorColor).Bold(true),
	}
}

// printer groups digits in byte counts.
var printer = message.NewPrinter(language.English)
