// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/metalks/metalks-client/pkg/ux"
)

// =============================================================================
// Input readers
// =============================================================================

// InputReader reads user input one line at a time.
//
// # Outputs
//
//   - string: The line, trimmed.
//   - error: io.EOF when input is exhausted.
type InputReader interface {
	ReadLine() (string, error)
}

// PromptingInputReader is implemented by readers that draw their own
// prompt. The chat runner prints the prompt itself for other readers.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// LineReader reads newline-terminated input from any io.Reader. It is the
// fallback for piped stdin and scripted sessions.
//
// # Thread Safety
//
// Not thread-safe.
type LineReader struct {
	reader *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns the next line. A final line without a newline is
// returned before io.EOF.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveInputReader reads a line with editing and up/down history via
// a bubbletea text input.
//
// # Limitations
//
//   - History is in-memory only.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
	prompt     string
}

type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	draft        string
	done         bool
	eof          bool
}

// NewInputReader returns an InteractiveInputReader when stdin is a
// terminal, and a LineReader on stdin otherwise.
func NewInputReader(maxHistory int) InputReader {
	if !ux.IsTerminal(os.Stdin) {
		return NewLineReader(os.Stdin)
	}
	return &InteractiveInputReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
}

func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine runs the text input until Enter (submit), Ctrl+C (empty line)
// or Ctrl+D (io.EOF).
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{textInput: ti, history: r.history, historyIndex: -1}
	final, err := tea.NewProgram(m, tea.WithOutput(os.Stderr)).Run()
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	result, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.remember(input)
	}
	// The program clears its view on exit; echo the submitted line.
	fmt.Fprintf(os.Stderr, "%s%s\n", r.prompt, input)
	return input, nil
}

func (r *InteractiveInputReader) remember(input string) {
	if n := len(r.history); n > 0 && r.history[n-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.eof = true
			m.done = true
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.draft = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.draft)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// Confirmation
// =============================================================================

// Confirmer asks a yes/no question.
type Confirmer interface {
	Confirm(title, description string) (bool, error)
}

// huhConfirmer asks with a huh confirm form on the terminal.
type huhConfirmer struct{}

func (huhConfirmer) Confirm(title, description string) (bool, error) {
	accept := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Switch").
			Negative("Stay").
			Value(&accept),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, fmt.Errorf("confirm: %w", err)
	}
	return accept, nil
}

// lineConfirmer asks on a line-oriented reader and accepts y/yes.
type lineConfirmer struct {
	in  InputReader
	out io.Writer
}

func (c lineConfirmer) Confirm(title, description string) (bool, error) {
	fmt.Fprintf(c.out, "%s %s [y/N] ", title, description)
	answer, err := c.in.ReadLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// newConfirmer picks huh on an interactive terminal and a line prompt
// otherwise, sharing in so scripted input stays in order.
func newConfirmer(in InputReader, out io.Writer) Confirmer {
	if ux.IsInteractive() && ux.GetPersonality() != ux.PersonalityMachine {
		return huhConfirmer{}
	}
	return lineConfirmer{in: in, out: out}
}
