package agent

import "github.com/charmbracelet/x/ansi"

// StripANSI removes terminal escape sequences the agent sometimes leaks into
// message content.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
