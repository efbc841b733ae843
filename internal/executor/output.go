package executor

import (
	"bytes"
	"strings"
	"sync"
)

// Stream identifies which output of a process a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputFunc receives output lines as the process produces them.
type OutputFunc func(stream Stream, line string)

// lineWriter accumulates everything written to it and forwards complete
// lines to an OutputFunc.
type lineWriter struct {
	mu      sync.Mutex
	stream  Stream
	onLine  OutputFunc
	all     bytes.Buffer
	pending []byte
}

func newLineWriter(stream Stream, onLine OutputFunc) *lineWriter {
	return &lineWriter{stream: stream, onLine: onLine}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.all.Write(p)
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush forwards a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

// String returns the accumulated output without surrounding whitespace.
func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(w.all.String())
}

func (w *lineWriter) emit(line []byte) {
	if w.onLine == nil {
		return
	}
	text := strings.TrimRight(string(line), "\r\t ")
	if text == "" {
		return
	}
	w.onLine(w.stream, text)
}
