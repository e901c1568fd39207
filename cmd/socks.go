package cmd

import (
	"fmt"

	"evssh/pkg/ssocks"

	"github.com/spf13/cobra"
)

var socksCmd = &cobra.Command{
	Use:   "socks [user@]host",
	Short: "Serves a local SOCKS5 proxy tunnelled through the server",
	Long: `Serves a SOCKS5 proxy on a local port. Every proxied connection is
opened by the server through a direct-tcpip channel.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runSocks,
	SilenceUsage: true,
}

var (
	socksPort      int
	socksExpose    bool
	socksRemoteDNS bool
)

func init() {
	rootCmd.AddCommand(socksCmd)
	socksCmd.Flags().IntVar(&socksPort, "listen", 1080, "Local port, 0 picks a free one")
	socksCmd.Flags().BoolVar(&socksExpose, "expose", false, "Listens on all interfaces instead of loopback")
	socksCmd.Flags().BoolVar(&socksRemoteDNS, "remote-dns", true, "Resolves names on the server")
}

func runSocks(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	addr := "127.0.0.1"
	if socksExpose {
		addr = "0.0.0.0"
	}
	p, err := ssocks.New(s, fmt.Sprintf("%s:%d", addr, socksPort), socksRemoteDNS, logger)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Conn().Done():
			logger.Warnf("Connection lost: %v", s.Conn().Err())
		}
		_ = p.Close()
	}()
	if err = p.Serve(); err != nil {
		return err
	}
	if cErr := s.Conn().Err(); cErr != nil && ctx.Err() == nil {
		return cErr
	}
	return nil
}
