// Package tui contains the interactive terminal pieces of the daemon:
// the consent prompt shown when an unknown peer first asks for
// artifacts, and small terminal helpers.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/timer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"forgecache.dev/go/forgecache/internal/p2p"
)

const consentFallbackTimeout = 60 * time.Second

// ConsentPrompter implements p2p.Prompter with a full-screen terminal
// prompt. One prompt runs at a time; the consent gate already
// deduplicates concurrent requests per peer.
type ConsentPrompter struct{}

// NewConsentPrompter creates a terminal consent prompter
func NewConsentPrompter() *ConsentPrompter {
	return &ConsentPrompter{}
}

// PromptConsent asks the user whether the peer may fetch artifacts
// from this machine. It returns an error when the prompt is cancelled
// or times out without an answer.
func (cp *ConsentPrompter) PromptConsent(ctx context.Context, peer p2p.Peer) (bool, error) {
	remaining := consentFallbackTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	if remaining <= 0 {
		return false, context.DeadlineExceeded
	}

	m := newConsentModel(peer, remaining)
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(os.Stderr))

	final, err := p.Run()
	if err != nil {
		return false, err
	}

	result, ok := final.(consentModel)
	if !ok || !result.answered {
		return false, fmt.Errorf("consent prompt closed without an answer")
	}
	return result.allow, nil
}

// --- TUI Model ---

type consentModel struct {
	peer     p2p.Peer
	timer    timer.Model
	answered bool
	allow    bool
}

func newConsentModel(peer p2p.Peer, timeout time.Duration) consentModel {
	return consentModel{
		peer:  peer,
		timer: timer.NewWithInterval(timeout, time.Second),
	}
}

func (m consentModel) Init() tea.Cmd {
	return m.timer.Init()
}

func (m consentModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.answered = true
			m.allow = true
			return m, tea.Quit
		case "n", "N":
			m.answered = true
			m.allow = false
			return m, tea.Quit
		case "esc", "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case timer.TimeoutMsg:
		// No answer in time: quit unanswered
		return m, tea.Quit

	case timer.TickMsg, timer.StartStopMsg:
		var cmd tea.Cmd
		m.timer, cmd = m.timer.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m consentModel) View() string {
	if m.answered {
		return ""
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	peerStyle := lipgloss.NewStyle().Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Build cache request"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  %s wants to fetch build artifacts from this machine.\n",
		peerStyle.Render(m.peer.DisplayName())))
	b.WriteString(dimStyle.Render("  " + m.peer.Endpoint()))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("  [y] Allow    [n] Deny"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("    (auto-deny in %s)", m.timer.View())))
	b.WriteString("\n")

	return b.String()
}
