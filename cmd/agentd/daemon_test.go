package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		pidFile string
		want    []string
	}{
		{
			name: "strips daemonize and logfile",
			args: []string{"serve", "cfg.toml", "--daemonize", "--logfile", "out.log"},
			want: []string{"serve", "cfg.toml"},
		},
		{
			name:    "replaces pidfile with resolved path",
			args:    []string{"--config", "cfg.toml", "serve", "--daemonize", "--pidfile", "rel.pid"},
			pidFile: "/abs/rel.pid",
			want:    []string{"--config", "cfg.toml", "serve", "--pidfile", "/abs/rel.pid"},
		},
		{
			name:    "handles equals form",
			args:    []string{"serve", "--daemonize=true", "--pidfile=x.pid", "--logfile=y.log"},
			pidFile: "/abs/x.pid",
			want:    []string{"serve", "--pidfile", "/abs/x.pid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, daemonArgs(tt.args, tt.pidFile))
		})
	}
}
