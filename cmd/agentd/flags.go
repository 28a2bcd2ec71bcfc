package main

import "time"

const defaultTimeout = 10 * time.Second

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type TaskFlags struct {
	ConfigPath string
	Args       string
	Kwargs     string
}

// ClientFlags selects the daemon channel a client command talks to.
type ClientFlags struct {
	URL      string
	Socket   string
	Timeout  time.Duration
	CACert   string
	Insecure bool
}

type RunTaskFlags struct {
	Kwargs string
}
