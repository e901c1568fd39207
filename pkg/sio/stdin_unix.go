//go:build !windows

package sio

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// CopyStdin copies stdin to dst until ctx is done, stdin reaches EOF or a
// write fails. Stdin is polled with select(2) so the copy can be abandoned
// without a pending read swallowing the next keystroke.
func CopyStdin(ctx context.Context, dst io.Writer) error {
	fd := int(os.Stdin.Fd())
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}

		var readfds unix.FdSet
		readfds.Zero()
		readfds.Set(fd)
		timeout := unix.Timeval{Usec: 50000}
		n, err := unix.Select(fd+1, &readfds, nil, nil, &timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 || !readfds.IsSet(fd) {
			continue
		}

		nr, rErr := os.Stdin.Read(buf)
		if nr > 0 {
			if _, wErr := dst.Write(buf[:nr]); wErr != nil {
				return wErr
			}
		}
		if rErr == io.EOF {
			return nil
		}
		if rErr != nil {
			return rErr
		}
	}
}
