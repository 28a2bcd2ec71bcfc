package env

import (
	"os"
	"sort"
	"strings"
)

// Variables handed to every task child so it can find its daemon.
const (
	ConfigVar = "AGENTD_CONFIG" // path of the daemon configuration file
	SocketVar = "AGENTD_SOCKET" // privileged unix socket
	URLVar    = "AGENTD_URL"    // public base URL
	HostVar   = "AGENTD_HOST"   // fleet host name of the daemon
)

type Var map[string]string

// Env composes a child environment from a base (the OS environment by
// default) and overrides.
type Env struct {
	vars Var
	base Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// WithBase replaces the base environment with the "K=V" entries of list.
func (e *Env) WithBase(list []string) *Env {
	c := e.clone()
	c.base = parse(list)
	return c
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// Set sets K=V in place.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
}

// Get returns the override for k, falling back to the base.
func (e *Env) Get(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.baseVars()[k]
	return v, ok
}

// Merge composes the final environment list applying order:
// base, then overrides set on e, then extra ("K=V") entries.
// ${VAR} references are expanded once against the composed map; unknown
// references are left untouched. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	for k, v := range e.baseVars() {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func (e *Env) baseVars() Var {
	if e.base == nil {
		e.base = parse(os.Environ())
	}
	return e.base
}

func (e *Env) clone() *Env {
	c := &Env{vars: make(Var, len(e.vars)), base: e.base}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

func parse(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 { // no '=' or empty key
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
