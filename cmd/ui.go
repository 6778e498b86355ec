package cmd

import (
	"bytes"
	"io"
	"sync"
)

// A writer that syncs writes with a mutex and, if the output is a TTY,
// clears till the end of line with each newline.
type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}
