//go:build !windows

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"evssh/pkg/session"

	"golang.org/x/term"
)

func monitorWindowResize(ctx context.Context, ch *session.Channel) {
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigwinch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigwinch:
			cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
			if err != nil {
				continue
			}
			if err = ch.WindowChange(ctx, cols, rows); err != nil {
				return
			}
		}
	}
}
