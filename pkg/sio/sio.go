// Package sio holds the stream plumbing of the command line tools
package sio

import (
	"io"
	"sync"
)

// Pipe copies a to b and b to a until either side fails or reaches EOF,
// then closes both. It returns the bytes copied in each direction.
func Pipe(a, b io.ReadWriteCloser) (aToB int64, bToA int64) {
	var once sync.Once
	var wg sync.WaitGroup
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return aToB, bToA
}
