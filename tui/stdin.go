package tui

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/bosley/rehearse/session"
)

// ReadTriggers turns lines from r into triggers for headless runs: an empty
// line or "n" is Next, "q" is Abort. It returns when r is exhausted or ctx
// is cancelled.
func ReadTriggers(ctx context.Context, r io.Reader, triggers chan<- session.Trigger) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			var t session.Trigger
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "n", "next":
				t = session.Next
			case "q", "quit", "abort":
				t = session.Abort
			default:
				slog.Warn("Unknown input, use enter for next or q to abort", "input", line)
				continue
			}
			select {
			case triggers <- t:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
