package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec [user@]host command...",
	Short: "Runs a command and prints its output",
	Long: `Runs a command on the server, prints its standard output and error and
exits with the remote exit status.`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runExec,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	res, err := s.Exec(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(res.Stdout)
	_, _ = os.Stderr.Write(res.Stderr)
	if res.Signal != "" {
		logger.Warnf("Remote command killed by signal %s", res.Signal)
		return &exitError{status: 255}
	}
	if res.ExitStatus != 0 {
		return &exitError{status: res.ExitStatus}
	}
	return nil
}
