// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the metalks CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// metalks palette: warm dusk tones.
var (
	ColorAmber    = lipgloss.Color("#F2A541") // Highlights, prompt
	ColorCoral    = lipgloss.Color("#F0756A") // Assistant label
	ColorLavender = lipgloss.Color("#A997DF") // User label, borders
	ColorTwilight = lipgloss.Color("#5E548E") // Box borders
	ColorSlate    = lipgloss.Color("#6C6F7F") // Muted text
	ColorSuccess  = lipgloss.Color("#5FD38D")
	ColorWarning  = lipgloss.Color("#F4D03F")
	ColorError    = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	User      lipgloss.Style
	Assistant lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ReportBox  lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAmber),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAmber).Bold(true),

	User:      lipgloss.NewStyle().Foreground(ColorLavender).Bold(true),
	Assistant: lipgloss.NewStyle().Foreground(ColorCoral).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTwilight).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ReportBox: lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(ColorAmber).
		Padding(0, 1),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconReport  Icon = "✦"
)

// Render returns the icon with its styling.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconReport:
		return Styles.Highlight.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes status lines for one personality level.
//
// # Description
//
// The one-shot commands (sessions, report) print through a Printer so the
// same call sites produce styled output on a terminal and KEY: value lines
// when piped.
//
// # Examples
//
//	p := ux.NewPrinter(os.Stdout, ux.GetPersonality())
//	p.Success("session deleted")
type Printer struct {
	w           io.Writer
	personality PersonalityLevel
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, personality PersonalityLevel) *Printer {
	return &Printer{w: w, personality: personality}
}

// Success prints a success line with a checkmark.
func (p *Printer) Success(text string) {
	switch p.personality {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	switch p.personality {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	switch p.personality {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.personality == PersonalityMachine {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if p.personality == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

// Box prints text under a title in a rounded box.
func (p *Printer) Box(title, content string) {
	if p.personality == PersonalityMachine {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	if p.personality == PersonalityMinimal {
		fmt.Fprintf(p.w, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(boxWidth).Render(Styles.Title.Render(title)+"\n"+content))
}

const boxWidth = 72
