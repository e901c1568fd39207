package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"evssh/pkg/session"
	"evssh/pkg/sio"
	"evssh/pkg/slog"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var shellCmd = &cobra.Command{
	Use:   "shell [user@]host",
	Short: "Opens an interactive login shell",
	Long: `Opens a login shell on a pseudo terminal sized like the local one. The
local terminal is switched to raw mode until the shell exits.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runShell,
	SilenceUsage: true,
}

var shellTerm string

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().StringVar(&shellTerm, "term", os.Getenv("TERM"), "Terminal type requested from the server")
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	fd := int(os.Stdin.Fd())
	pty := session.PtyOptions{Term: shellTerm}
	if cols, rows, sErr := term.GetSize(fd); sErr == nil {
		pty.Cols, pty.Rows = cols, rows
	}
	ch, err := s.Shell(ctx, pty)
	if err != nil {
		return err
	}

	if term.IsTerminal(fd) {
		state, rErr := term.MakeRaw(fd)
		if rErr != nil {
			return rErr
		}
		defer func() { _ = term.Restore(fd, state) }()
	}

	copyCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if cErr := sio.CopyStdin(copyCtx, ch); cErr != nil {
			logger.DebugWith("Stdin copy ended", slog.F("err", cErr))
		}
		_ = ch.CloseWrite()
	}()
	go monitorWindowResize(copyCtx, ch)
	go func() { _, _ = io.Copy(os.Stderr, ch.Stderr()) }()
	_, _ = io.Copy(os.Stdout, ch)

	err = ch.Wait(context.Background())
	var exit *session.ExitError
	if errors.As(err, &exit) {
		return &exitError{status: exitStatus(exit)}
	}
	return err
}
