package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxLine caps a buffered partial line so a child that never writes a
// newline cannot grow the buffer without bound.
const maxLine = 64 * 1024

// LineWriter is an io.Writer that logs every complete line it receives as
// one record. It is used as the stderr of spawned children.
type LineWriter struct {
	logger *slog.Logger
	level  slog.Level
	msg    string

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter returns a writer logging each line as msg with a "line" attribute.
func NewLineWriter(l *slog.Logger, level slog.Level, msg string) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	return &LineWriter{logger: l, level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, w.msg, "line", string(line))
}
