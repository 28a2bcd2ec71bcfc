package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	assert.Nil(t, FileConfig{}.Writer())

	w := FileConfig{Path: "x"}.Writer()
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	w := FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.log")
	var console bytes.Buffer
	l, closer, err := NewWithWriter(Config{Level: "debug", File: FileConfig{Path: path}}, &console)
	require.NoError(t, err)
	l.Debug("hello", "pid", 42)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "pid=42")
	assert.Contains(t, console.String(), "hello")
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	l.Info("dropped")
	l.Warn("kept", "cmd", "worker")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "worker", rec["cmd"])
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := NewWithWriter(Config{Quiet: true}, &buf)
	require.NoError(t, err)
	l.Info("nothing")
	assert.Empty(t, buf.String())
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := NewWithWriter(Config{Color: true}, &buf)
	require.NoError(t, err)
	l.With("component", "manager").Error("boom", "pid", 3)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[31mERROR\033[0m  "), out)
	assert.Contains(t, out, "msg=boom")
	assert.Contains(t, out, "component=manager")
	assert.Contains(t, out, "pid=3")
	assert.NotContains(t, out, "level=")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	w := NewLineWriter(l.With("pid", 7), slog.LevelInfo, "child stderr")

	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\r\n\npartial"))
	w.Flush()

	var got []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "child stderr", rec["msg"])
		assert.EqualValues(t, 7, rec["pid"])
		got = append(got, rec["line"].(string))
	}
	assert.Equal(t, []string{"first", "second", "partial"}, got)
}
