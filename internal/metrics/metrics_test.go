package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(spawns.WithLabelValues("noop"))
	IncSpawn("noop")
	assert.Equal(t, before, testutil.ToFloat64(spawns.WithLabelValues("noop")))
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	IncSpawn("worker")
	IncSpawnFailure("bogus", "unknown_command")
	IncRegister("ok")
	IncUnlink("missing")
	IncTerminate("running")
	SetTableSize("waiting", 3)
	IncRegistryError("register")
	ObserveRequest("public", "info", 200, 0.01)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"agentd_process_spawns_total":              false,
		"agentd_process_spawn_failures_total":      false,
		"agentd_process_registrations_total":       false,
		"agentd_process_unlinks_total":             false,
		"agentd_process_terminations_total":        false,
		"agentd_registry_entries":                  false,
		"agentd_registry_errors_total":             false,
		"agentd_dispatch_requests_total":           false,
		"agentd_dispatch_request_duration_seconds": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected metric %s", n)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(tableSize.WithLabelValues("waiting")))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncSpawn("sleep")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), `agentd_process_spawns_total{cmd="sleep"}`))
}

func TestResourceCollectorSamplesSelf(t *testing.T) {
	c := NewResourceCollector(0, nil, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	samples := c.Collect([]Target{{PID: os.Getpid(), Cmd: "self"}, {PID: -1, Cmd: "bad"}})
	require.Len(t, samples, 1)
	assert.Equal(t, os.Getpid(), samples[0].PID)
	assert.Greater(t, samples[0].RSSBytes, uint64(0))
	assert.Equal(t, 1, testutil.CollectAndCount(c.rss))

	// A pid that disappears from the target list loses its series.
	c.Collect(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(c.rss))
}
