package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/lfslock/internal/errors"
	"github.com/Iron-Ham/lfslock/internal/event"
	"github.com/Iron-Ham/lfslock/internal/lfs"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray
)

// printer writes command output, styled only when w is a terminal.
type printer struct {
	w      io.Writer
	styled bool

	title   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	owner   lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.styled = true
	}
	p.title = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	p.success = lipgloss.NewStyle().Foreground(secondaryColor)
	p.warning = lipgloss.NewStyle().Foreground(warningColor)
	p.failure = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	p.muted = lipgloss.NewStyle().Foreground(mutedColor)
	p.owner = lipgloss.NewStyle().Italic(true)
	return p
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) line(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) heading(text string) {
	p.line("%s", p.render(p.title, text))
}

func (p *printer) ok(format string, args ...any) {
	p.line("%s %s", p.render(p.success, "✓"), fmt.Sprintf(format, args...))
}

func (p *printer) warn(format string, args ...any) {
	p.line("%s %s", p.render(p.warning, "!"), fmt.Sprintf(format, args...))
}

func (p *printer) fail(format string, args ...any) {
	p.line("%s %s", p.render(p.failure, "✗"), fmt.Sprintf(format, args...))
}

func (p *printer) dim(format string, args ...any) {
	p.line("%s", p.render(p.muted, fmt.Sprintf(format, args...)))
}

// lockLine formats one lock for listings.
func (p *printer) lockLine(l lfs.LockInfo) string {
	who := l.Owner
	if l.Local {
		who += " (you)"
	}
	marker := " "
	switch {
	case l.Enforced:
		marker = p.render(p.failure, "■")
	case l.Local:
		marker = p.render(p.success, "●")
	default:
		marker = p.render(p.warning, "●")
	}
	return fmt.Sprintf("%s %s  %s", marker, l.Path, p.render(p.owner, who))
}

// event prints a one-line description of an engine event. Events that are
// only interesting while debugging are printed when verbose is set.
func (p *printer) event(e event.Event, verbose bool) {
	switch ev := e.(type) {
	case event.LockAcquiredEvent:
		p.ok("locked %s", strings.Join(ev.Paths, ", "))
	case event.LockReleasedEvent:
		p.ok("unlocked %s", strings.Join(ev.Paths, ", "))
	case event.LocksReconciledEvent:
		p.dim("locks: %d held, %d by others", ev.Count, ev.Remote)
	case event.ModifiedChangedEvent:
		p.dim("modified paths: %d", ev.Count)
	case event.HandleFailedEvent:
		if errors.GetSeverity(ev.Err) >= errors.SeverityError {
			p.fail("cannot protect %s (locked by %s): %v", ev.Path, ev.Owner, ev.Err)
		} else {
			p.warn("cannot protect %s (locked by %s): %v", ev.Path, ev.Owner, ev.Err)
		}
	case event.CacheStaleEvent:
		if ev.Reason == "forced" {
			p.dim("refreshing locks from server")
		} else {
			p.dim("lock cache %s, refreshing from server", ev.Reason)
		}
	case event.LocksDiscardedEvent:
		if verbose {
			p.dim("discarded %s poll result (generation %d, now %d)", ev.Kind, ev.Snapshot, ev.Current)
		}
	}
}

// gitDetail prints the raw git output carried by a user-facing error.
func (p *printer) gitDetail(err error) {
	var gerr *errors.GitError
	if !errors.IsUserFacing(err) || !errors.As(err, &gerr) || gerr.GitOutput == "" {
		return
	}
	for _, line := range strings.Split(gerr.GitOutput, "\n") {
		p.dim("  %s", line)
	}
}
