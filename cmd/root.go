package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"evssh/pkg/conf"
	"evssh/pkg/scrypt"
	"evssh/pkg/session"
	"evssh/pkg/slog"
	"evssh/pkg/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "evssh",
	Short: "evssh - An event driven SSH client",
	Long: `evssh connects to SSH servers and drives them from the command line:

* Runs commands and interactive shells.
* Scripts shells with send/expect steps, also across split sibling shells.
* Forwards ports, serves a SOCKS5 proxy and transfers files over SFTP.

Options can be given as flags, as EVSSH_* environment variables or in
~/.evssh/config.yaml.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var cfgFile string

var logger = slog.NewLogger("evssh")

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ~/.evssh/config.yaml)")
	addLoggingFlags(pf)
	addConnectionFlags(pf)
	pf.String("metrics-addr", "", "Serves Prometheus metrics on this address")

	cobra.CheckErr(viper.BindPFlags(pf))

	rootCmd.AddCommand(versionCmd)
}

func addLoggingFlags(fs *pflag.FlagSet) {
	fs.String("verbose", "info", "Adds verbosity [debug|info|warn|error|off]")
	fs.Bool("colorless", false, "Disables logging colors")
	fs.Bool("json-log", false, "Enables JSON formatted logging")
}

func addConnectionFlags(fs *pflag.FlagSet) {
	fs.IntP("port", "p", conf.DefaultPort, "Server port")
	fs.StringP("user", "l", "", "Login user (default current user)")
	fs.String("password", "", "Password for password and keyboard-interactive authentication")
	fs.Bool("ask-password", false, "Prompts for the password")
	fs.StringSliceP("key", "i", nil, "Private key files (default ~/.ssh/id_*)")
	fs.Duration("timeout", conf.Timeout, "Connect timeout")
	fs.Duration("nego-timeout", 0, "Version and algorithm negotiation timeout (default --timeout)")
	fs.String("paranoid", conf.ParanoidAcceptNewOrLocalTunnel,
		"Host key policy [accept-new-or-local-tunnel|accept-new|never]")
	fs.StringSlice("known-hosts", nil, "known_hosts files (default ~/.ssh/known_hosts)")
	fs.Duration("keepalive", 0, "Keepalive probe interval, 0 disables it")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Shows Binary Build info",
	Run: func(cmd *cobra.Command, args []string) {
		conf.PrintVersion()
	},
}

// setup loads the configuration overlay and applies the logging and
// metrics options shared by every command
func setup(cmd *cobra.Command, _ []string) error {
	if err := initConfig(); err != nil {
		return err
	}
	if !viper.GetBool("colorless") && term.IsTerminal(int(os.Stderr.Fd())) {
		logger.WithColors()
	}
	if viper.GetBool("json-log") {
		logger.WithJSON()
	}
	if err := logger.SetLevel(viper.GetString("verbose")); err != nil {
		return err
	}
	if addr := viper.GetString("metrics-addr"); addr != "" {
		serveMetrics(addr)
	}
	return nil
}

func initConfig() error {
	viper.SetEnvPrefix("EVSSH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(conf.GetHome())
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	logger.DebugWith("Using config file", slog.F("file", viper.ConfigFileUsed()))
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.InfoWith("Serving metrics", slog.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWith("Metrics server failed", slog.F("err", err))
		}
	}()
}

// splitTarget accepts host, user@host, host:port and ws(s):// URLs
func splitTarget(target string) (user, host string, port int) {
	if conf.IsWebSocketURL(target) {
		return "", target, 0
	}
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, target = target[:at], target[at+1:]
	}
	if h, p, err := net.SplitHostPort(target); err == nil {
		if n, aErr := strconv.Atoi(p); aErr == nil {
			return user, h, n
		}
	}
	return user, target, 0
}

func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal to prompt on")
	}
	_, _ = fmt.Fprint(os.Stderr, prompt)
	defer func() { _, _ = fmt.Fprintln(os.Stderr) }()
	return term.ReadPassword(fd)
}

// buildConfig turns the flags and their overlay into a connection config
func buildConfig(target string) (*transport.Config, error) {
	user, host, port := splitTarget(target)
	if user == "" {
		user = viper.GetString("user")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if port == 0 {
		port = viper.GetInt("port")
	}

	password := viper.GetString("password")
	if password == "" && viper.GetBool("ask-password") {
		pass, err := readPassword(fmt.Sprintf("%s@%s's password: ", user, host))
		if err != nil {
			return nil, err
		}
		password = string(pass)
	}

	keys := viper.GetStringSlice("key")
	explicitKeys := len(keys) > 0
	if !explicitKeys {
		keys = scrypt.DefaultKeyFiles()
	}
	var signers []ssh.Signer
	for _, k := range keys {
		s, err := scrypt.SignerFromFile(expandHome(k), func(path string) ([]byte, error) {
			return readPassword(fmt.Sprintf("Enter passphrase for key '%s': ", path))
		})
		if err != nil {
			if explicitKeys {
				return nil, err
			}
			logger.DebugWith("Skipping key", slog.F("key", k), slog.F("err", err))
			continue
		}
		signers = append(signers, s)
	}

	cfg := &transport.Config{
		Host:        host,
		Port:        port,
		User:        user,
		Password:    password,
		Signers:     signers,
		Timeout:     viper.GetDuration("timeout"),
		NegoTimeout: viper.GetDuration("nego-timeout"),
		Paranoid:    viper.GetString("paranoid"),
		KnownHosts:  viper.GetStringSlice("known-hosts"),
		Logger:      logger,
	}
	if password != "" {
		cfg.AuthMethods = []string{
			conf.AuthMethodPublicKey,
			conf.AuthMethodPassword,
			conf.AuthMethodKeyboardInteractive,
		}
	}
	return cfg, cfg.Validate()
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}

func sessionOptions() []session.Option {
	var opts []session.Option
	if ka := viper.GetDuration("keepalive"); ka > 0 {
		opts = append(opts, session.WithKeepalive(ka))
	}
	return opts
}

// connect opens a session to target
func connect(ctx context.Context, target string) (*session.Session, error) {
	cfg, err := buildConfig(target)
	if err != nil {
		return nil, err
	}
	return session.Start(ctx, cfg, sessionOptions()...)
}

func closeSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.DebugWith("Session close", slog.F("err", err))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitError carries a remote exit status out of a command
type exitError struct {
	status int
}

// exitStatus maps a remote exit to a local one, 255 for a signal
func exitStatus(e *session.ExitError) int {
	if e.Signal != "" || e.Status < 0 || e.Status > 255 {
		return 255
	}
	return e.Status
}

func (e *exitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.status)
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.status)
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
