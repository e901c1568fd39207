//go:build windows

package sio

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-tty"
)

// CopyStdin copies console input to dst until ctx is done. Without a
// console it falls back to a blocking copy of stdin.
func CopyStdin(ctx context.Context, dst io.Writer) error {
	t, err := tty.Open()
	if err != nil {
		_, err = io.Copy(dst, os.Stdin)
		return err
	}
	defer func() { _ = t.Close() }()

	for ctx.Err() == nil {
		r, rErr := t.ReadRune()
		if rErr != nil {
			return rErr
		}
		if _, wErr := dst.Write([]byte(string(r))); wErr != nil {
			return wErr
		}
	}
	return nil
}
