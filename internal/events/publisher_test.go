package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublisher_IndexEvent(t *testing.T) {
	server := startTestNATSServer(t)
	sub := connect(t, server)
	msgs := make(chan *nats.Msg, 4)
	_, err := sub.ChanSubscribe("securerag.index.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p := NewPublisher(connect(t, server), "", nil)
	ctx := logging.WithRequestID(context.Background(), "req-1")
	require.NoError(t, p.PublishIndexEvent(ctx, "acme", "completed", map[string]any{"docId": "doc-1", "chunks": 3}))
	require.NoError(t, p.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "securerag.index.acme.completed", msg.Subject)
		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.Equal(t, "index.completed", env.Type)
		assert.Equal(t, "acme", env.Tenant)
		assert.Equal(t, "req-1", env.RequestID)
		assert.NotEmpty(t, env.ID)
		data := env.Data.(map[string]any)
		assert.Equal(t, "doc-1", data["docId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestPublisher_AccessMismatch(t *testing.T) {
	server := startTestNATSServer(t)
	sub := connect(t, server)
	s, err := sub.SubscribeSync("rag.audit.*.access_mismatch")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p := NewPublisher(connect(t, server), "rag", nil)
	require.NoError(t, p.PublishAccessMismatch(context.Background(), "", map[string]string{"docId": "d"}))
	require.NoError(t, p.Flush())

	msg, err := s.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "rag.audit._.access_mismatch", msg.Subject)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.PublishIndexEvent(context.Background(), "t", "started", nil))
	assert.NoError(t, p.PublishAccessMismatch(context.Background(), "t", nil))
	assert.NoError(t, p.Flush())
	assert.NoError(t, p.Close())
}

func TestConnect_Disabled(t *testing.T) {
	p, err := Connect(config.EventsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestConnect_Enabled(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := Connect(config.EventsConfig{Enabled: true, NatsURL: server.ClientURL(), Prefix: "x"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "x.index.acme.started", p.IndexSubject("acme", "started"))
	assert.NoError(t, p.Close())
}

func TestSubjectTokens(t *testing.T) {
	p := NewPublisher(nil, "securerag", nil)
	assert.Equal(t, "securerag.index.acme_eu.progress", p.IndexSubject("acme.eu", "progress"))
	assert.Equal(t, "securerag.index._.failed", p.IndexSubject("  ", "failed"))
	assert.Equal(t, "securerag.audit.a_b_.access_mismatch", p.AuditSubject("a*b>"))
}
