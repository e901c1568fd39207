package cmd

import (
	"fmt"
	"text/tabwriter"

	"evssh/pkg/ssftp"

	"github.com/spf13/cobra"
)

var sftpCmd = &cobra.Command{
	Use:   "sftp",
	Short: "Transfers files over SFTP",
}

var sftpGetCmd = &cobra.Command{
	Use:          "get [user@]host remote local",
	Short:        "Downloads a remote file",
	Args:         cobra.ExactArgs(3),
	RunE:         sftpRun(func(c *ssftp.Client, cmd *cobra.Command, args []string) error { return transfer(c.Download, cmd, args) }),
	SilenceUsage: true,
}

var sftpPutCmd = &cobra.Command{
	Use:          "put [user@]host local remote",
	Short:        "Uploads a local file",
	Args:         cobra.ExactArgs(3),
	RunE:         sftpRun(func(c *ssftp.Client, cmd *cobra.Command, args []string) error { return transfer(c.Upload, cmd, args) }),
	SilenceUsage: true,
}

var sftpLsCmd = &cobra.Command{
	Use:          "ls [user@]host [dir]",
	Short:        "Lists a remote directory",
	Args:         cobra.RangeArgs(1, 2),
	RunE:         sftpRun(list),
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(sftpCmd)
	sftpCmd.AddCommand(sftpGetCmd, sftpPutCmd, sftpLsCmd)
}

func sftpRun(fn func(c *ssftp.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := connect(ctx, args[0])
		if err != nil {
			return err
		}
		defer closeSession(s)

		c, err := ssftp.Open(ctx, s)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return fn(c, cmd, args[1:])
	}
}

func transfer(fn func(src, dst string) (int64, error), cmd *cobra.Command, args []string) error {
	n, err := fn(args[0], args[1])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d bytes)\n", args[0], args[1], n)
	return nil
}

func list(c *ssftp.Client, cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := c.List(dir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Mode(), e.Size(), e.ModTime().Format("2006-01-02 15:04"), e.Name())
	}
	return w.Flush()
}
