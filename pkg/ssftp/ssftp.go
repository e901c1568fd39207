// Package ssftp runs an SFTP client over the sftp subsystem of a session
package ssftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"evssh/pkg/conf"
	"evssh/pkg/session"
	"evssh/pkg/slog"

	"github.com/pkg/sftp"
)

// Client is an sftp.Client bound to its subsystem channel
type Client struct {
	*sftp.Client
	ch     *session.Channel
	logger *slog.Logger
}

// Open starts the sftp subsystem on a new channel of s
func Open(ctx context.Context, s *session.Session, opts ...sftp.ClientOption) (*Client, error) {
	ch, err := s.Subsystem(ctx, conf.SSHSubsystemSFTP)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	opts = append([]sftp.ClientOption{sftp.MaxPacket(conf.SFTPBufferSize)}, opts...)
	client, err := sftp.NewClientPipe(ch, ch, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to initialize sftp client: %w", err)
	}
	return &Client{
		Client: client,
		ch:     ch,
		logger: s.Logger().Named("sftp").With(slog.F("channel", ch.ID)),
	}, nil
}

// Close ends the sftp session and its channel
func (c *Client) Close() error {
	err := c.Client.Close()
	_ = c.ch.Close()
	return err
}

// Upload copies the local file src to dst on the server. A dst naming an
// existing directory receives the file under its base name.
func (c *Client) Upload(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	if fi, sErr := c.Stat(dst); sErr == nil && fi.IsDir() {
		dst = path.Join(dst, path.Base(src))
	}
	out, err := c.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, err
	}
	c.logger.DebugWith("Uploaded", slog.F("src", src), slog.F("dst", dst), slog.F("bytes", n))
	return n, nil
}

// Download copies the remote file src to the local path dst
func (c *Client) Download(src, dst string) (int64, error) {
	in, err := c.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if fi, sErr := os.Stat(dst); sErr == nil && fi.IsDir() {
		dst = path.Join(dst, path.Base(src))
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	n, err := in.WriteTo(out)
	if err != nil {
		return n, err
	}
	c.logger.DebugWith("Downloaded", slog.F("src", src), slog.F("dst", dst), slog.F("bytes", n))
	return n, nil
}

// List returns the entries of a remote directory
func (c *Client) List(dir string) ([]os.FileInfo, error) {
	return c.ReadDir(dir)
}
