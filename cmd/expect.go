package cmd

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"evssh/pkg/conf"
	"evssh/pkg/shell"

	"github.com/spf13/cobra"
)

var expectCmd = &cobra.Command{
	Use:   "expect [user@]host step...",
	Short: "Scripts a login shell with send and expect steps",
	Long: `Opens a login shell and runs the steps in order. A step is either
"send:TEXT", which sends TEXT followed by a line terminator, or
"expect:PATTERN", which waits for PATTERN and prints the output up to
the match. Patterns are plain strings unless --regex is given.

  evssh expect host 'expect:$ ' 'send:uname -a' 'expect:$ '`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runExpect,
	SilenceUsage: true,
}

var (
	expectRegex     bool
	expectTimeout   time.Duration
	expectReconnect bool
)

func init() {
	rootCmd.AddCommand(expectCmd)
	expectCmd.Flags().BoolVar(&expectRegex, "regex", false, "Treats expect patterns as regular expressions")
	expectCmd.Flags().DurationVar(&expectTimeout, "wait-timeout", conf.ShellTimeout, "Inactivity timeout of each expect step")
	expectCmd.Flags().BoolVar(&expectReconnect, "reconnect", false, "Reconnects when the connection drops between steps")
}

type step struct {
	send    bool
	text    string
	pattern interface{}
}

func parseSteps(args []string, regex bool) ([]step, error) {
	steps := make([]step, 0, len(args))
	for _, a := range args {
		kind, text, ok := strings.Cut(a, ":")
		switch {
		case ok && kind == "send":
			steps = append(steps, step{send: true, text: text})
		case ok && kind == "expect":
			st := step{text: text, pattern: text}
			if regex {
				re, err := regexp.Compile(text)
				if err != nil {
					return nil, fmt.Errorf("invalid pattern %q: %w", text, err)
				}
				st.pattern = re
			}
			steps = append(steps, st)
		default:
			return nil, fmt.Errorf("step %q is neither send:TEXT nor expect:PATTERN", a)
		}
	}
	return steps, nil
}

func runSteps(cmd *cobra.Command, sh *shell.Shell, steps []step) error {
	ctx := cmd.Context()
	for _, st := range steps {
		if st.send {
			if err := sh.SendLine(ctx, st.text); err != nil {
				return err
			}
			continue
		}
		out, err := sh.WaitFor(ctx, st.pattern)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
	}
	return nil
}

func runExpect(cmd *cobra.Command, args []string) error {
	steps, err := parseSteps(args[1:], expectRegex)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	cmd.SetContext(ctx)

	cfg, err := buildConfig(args[0])
	if err != nil {
		return err
	}
	sh, err := shell.New(ctx, cfg, shell.Options{
		Timeout:        expectTimeout,
		Reconnect:      expectReconnect,
		SessionOptions: sessionOptions(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sh.Close() }()

	return runSteps(cmd, sh, steps)
}
