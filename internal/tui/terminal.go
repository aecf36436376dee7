package tui

import (
	"os"

	"golang.org/x/term"
)

// IsStdoutTerminal returns true if stdout is a terminal (not piped)
func IsStdoutTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive returns true if both stdin and stdout are terminals,
// meaning the user can answer prompts.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && IsStdoutTerminal()
}
