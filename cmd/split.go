package cmd

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"evssh/pkg/shell"
	"evssh/pkg/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var splitCmd = &cobra.Command{
	Use:   "split [user@]host command...",
	Short: "Runs commands concurrently in split shells of one connection",
	Long: `Opens a login shell and splits one sibling shell per command off it.
The commands run concurrently over the shared connection; each output is
printed once its command finished. A POSIX shell is assumed on the server.`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runSplit,
	SilenceUsage: true,
}

var splitLimit int

func init() {
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().IntVar(&splitLimit, "limit", 0, "Maximum number of shells running at once, 0 for no limit")
}

func runSplit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := buildConfig(args[0])
	if err != nil {
		return err
	}
	parent, err := shell.New(ctx, cfg, shell.Options{
		SessionOptions: sessionOptions(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = parent.Close() }()

	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	if splitLimit > 0 {
		g.SetLimit(splitLimit)
	}
	for i, command := range args[1:] {
		g.Go(func() error {
			return parent.SplitFunc(gctx, func(child *shell.Shell) error {
				out, status, rErr := runMarked(gctx, child, command)
				if rErr != nil {
					return fmt.Errorf("%s: %w", command, rErr)
				}
				mu.Lock()
				defer mu.Unlock()
				if status != 0 {
					failed++
				}
				logger.DebugWith("Split command done", slog.F("index", i), slog.F("status", status))
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s (exit %d)\n%s\n", i, command, status, out)
				return nil
			})
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return &exitError{status: 1}
	}
	return nil
}

// runMarked runs command followed by an echo of a unique marker and the
// exit status, then waits for that marker
func runMarked(ctx context.Context, sh *shell.Shell, command string) (string, int, error) {
	marker := "EVSSH-" + uuid.NewString()
	done := regexp.MustCompile(regexp.QuoteMeta(marker) + ` (\d+)`)
	out, err := sh.SendAndWait(ctx, command+"; echo "+marker+" $?", done)
	if err != nil {
		return "", 0, err
	}
	m := done.FindStringSubmatch(out)
	status, _ := strconv.Atoi(m[1])
	out = strings.TrimSpace(strings.TrimSuffix(out, m[0]))
	return out, status, nil
}
