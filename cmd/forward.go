package cmd

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"evssh/pkg/sio"
	"evssh/pkg/slog"

	"github.com/spf13/cobra"
)

var forwardCmd = &cobra.Command{
	Use:   "forward [user@]host [bind:]port:host:hostport...",
	Short: "Forwards local ports to addresses reached from the server",
	Long: `Listens on each local port and forwards its connections to host:hostport
as seen from the server, like ssh -L.`,
	Args:         cobra.MinimumNArgs(2),
	RunE:         runForward,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(forwardCmd)
}

var errForwardSpec = errors.New("forward must be [bind:]port:host:hostport")

type forwardSpec struct {
	listen string
	target string
}

func parseForward(spec string) (forwardSpec, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 3:
		return forwardSpec{
			listen: net.JoinHostPort("127.0.0.1", parts[0]),
			target: net.JoinHostPort(parts[1], parts[2]),
		}, nil
	case 4:
		return forwardSpec{
			listen: net.JoinHostPort(parts[0], parts[1]),
			target: net.JoinHostPort(parts[2], parts[3]),
		}, nil
	}
	return forwardSpec{}, fmt.Errorf("%w, got %q", errForwardSpec, spec)
}

func runForward(cmd *cobra.Command, args []string) error {
	specs := make([]forwardSpec, 0, len(args)-1)
	for _, a := range args[1:] {
		fs, err := parseForward(a)
		if err != nil {
			return err
		}
		specs = append(specs, fs)
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	for _, fs := range specs {
		l, lErr := net.Listen("tcp", fs.listen)
		if lErr != nil {
			return lErr
		}
		listeners = append(listeners, l)
		logger.InfoWith("Forwarding", slog.F("listen", l.Addr()), slog.F("target", fs.target))

		go func() {
			for {
				conn, aErr := l.Accept()
				if aErr != nil {
					return
				}
				go func() {
					remote, dErr := s.DialTCP(ctx, fs.target)
					if dErr != nil {
						logger.WarnWith("Forward failed", slog.F("target", fs.target), slog.F("err", dErr))
						_ = conn.Close()
						return
					}
					sent, received := sio.Pipe(conn, remote)
					logger.DebugWith("Forward closed", slog.F("target", fs.target),
						slog.F("sent", sent), slog.F("received", received))
				}()
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.Conn().Done():
		return s.Conn().Err()
	}
	return nil
}
