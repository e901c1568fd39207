//go:build windows

package cmd

import (
	"context"

	"evssh/pkg/session"
)

func monitorWindowResize(ctx context.Context, _ *session.Channel) {
	// Windows doesn't support SIGWINCH in the same way.
	// We just wait for the shell to end.
	<-ctx.Done()
}
