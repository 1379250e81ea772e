package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"bragsync/internal/orchestrator"
	"bragsync/internal/orphans"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

// Console is the terminal side of a sync: notices, confirmation prompts and
// the orphan panel all go through it.
type Console struct {
	out       io.Writer
	rawIn     io.Reader
	in        *bufio.Reader
	assumeYes bool
	logger    *zap.Logger

	mu      sync.Mutex
	visible bool
}

// NewConsole creates a console. With assumeYes every confirmation is granted.
func NewConsole(in io.Reader, out io.Writer, assumeYes bool, logger *zap.Logger) *Console {
	return &Console{
		out:       out,
		rawIn:     in,
		in:        bufio.NewReader(in),
		assumeYes: assumeYes,
		logger:    logger,
	}
}

func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func noticeLabel(kind orchestrator.NoticeKind) string {
	switch kind {
	case orchestrator.NoticeSuccess:
		return "✓"
	case orchestrator.NoticeWarning:
		return "!"
	case orchestrator.NoticeError:
		return "✗"
	default:
		return "i"
	}
}

// Notify prints a notice on its own line
func (c *Console) Notify(kind orchestrator.NoticeKind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n%s %s\n", noticeLabel(kind), message)
}

// Printf writes formatted output
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Confirm asks a y/N question. Input that is not a terminal is never taken
// as consent unless assumeYes is set.
func (c *Console) Confirm(ctx context.Context, title, body string) (bool, error) {
	if c.assumeYes {
		c.logger.Debug("Confirmation granted by --yes", zap.String("title", title))
		return true, nil
	}
	if !interactive(c.rawIn) {
		c.logger.Info("Skipping destructive action on non-interactive input, rerun with --yes to allow it",
			zap.String("title", title))
		return false, nil
	}

	c.Printf("\n%s\n%s\nProceed? [y/N]: ", title, body)

	// A cancelled prompt leaves this reader blocked on c.in, and a later
	// Confirm would race it for the buffer. The CLI asks at most once per
	// process, so the goroutine only ever outlives the command on exit.
	answer := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		if err != nil && line == "" {
			errCh <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errCh:
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read confirmation: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// ShowNone reports an empty orphan scan
func (c *Console) ShowNone() {
	c.setVisible(true)
	c.Printf("\nNo orphaned items found.\n")
}

// ShowPreview lists the orphan candidates grouped by type
func (c *Console) ShowPreview(total int, groups []orphans.Group) {
	c.setVisible(true)

	var b strings.Builder
	fmt.Fprintf(&b, "\nFound %d orphaned item(s) no longer present in the remote catalog:\n", total)
	for _, g := range groups {
		fmt.Fprintf(&b, "  %s (%d)\n", g.ItemType, g.Count)
		for _, rec := range g.Samples {
			fmt.Fprintf(&b, "    - %s (id %d, remote %s)\n", displayName(rec), rec.WordPressID, rec.APIID)
		}
		if g.Remaining > 0 {
			fmt.Fprintf(&b, "    ... and %d more\n", g.Remaining)
		}
	}
	c.Printf("%s", b.String())
}

// ShowReport prints the outcome of a deletion
func (c *Console) ShowReport(report orphans.Report) {
	c.setVisible(true)

	var b strings.Builder
	fmt.Fprintf(&b, "\nDeleted %d orphaned item(s).\n", report.DeletedCount)
	for _, rec := range report.Deleted {
		fmt.Fprintf(&b, "  - %s: %s\n", rec.ItemType, displayName(rec))
	}
	for _, e := range report.Errors {
		fmt.Fprintf(&b, "  ✗ %s\n", e)
	}
	c.Printf("%s", b.String())
}

// ShowError prints an orphan panel error
func (c *Console) ShowError(message string) {
	c.setVisible(true)
	c.Printf("\n✗ Orphan reconciliation: %s\n", message)
}

// Dismiss closes the orphan panel
func (c *Console) Dismiss() {
	c.setVisible(false)
}

// PanelVisible reports whether the orphan panel is showing
func (c *Console) PanelVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

func (c *Console) setVisible(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = v
}

func displayName(rec orphans.Record) string {
	if rec.Name != "" {
		return rec.Name
	}
	return fmt.Sprintf("#%d", rec.WordPressID)
}
