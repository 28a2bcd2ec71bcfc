package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentd/internal/history"
	"github.com/loykin/agentd/internal/process"
)

func TestNATSSink_Publish(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1 // Random port
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("agentd.history.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink, err := New(s.ClientURL(), "")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := history.NewEvent(history.EventUnlink, process.Record{PID: 321, Cmd: "sleep"})
	require.NoError(t, sink.Send(ctx, e))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agentd.history.unlink", msg.Subject)
	assert.Equal(t, e.ID, msg.Header.Get(nats.MsgIdHdr))

	var got history.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, 321, got.Record.PID)
	assert.Equal(t, history.EventUnlink, got.Type)
}

func TestNATSSink_ConnectError(t *testing.T) {
	_, err := New("nats://127.0.0.1:1", "x")
	assert.Error(t, err)
}
