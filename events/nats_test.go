package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_EmbeddedServer(t *testing.T) {
	conn, err := Connect("", t.TempDir())
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.NC.IsConnected())
	assert.NotNil(t, conn.JS)
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn, err := Connect("", t.TempDir())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.NC.SubscribeSync("nova.demo.v1.>")
	require.NoError(t, err)
	require.NoError(t, conn.NC.Flush())

	pub := NewNATSPublisher(conn.NC, "", nil)
	require.NoError(t, pub.Publish(context.Background(), Event{
		Kind:      KindTaskTransition,
		Project:   "demo",
		VersionID: "v1",
		TaskID:    "v1-001",
		From:      "ready",
		To:        "in_progress",
		Actor:     "pipeline",
	}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "nova.demo.v1.task.transition", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "v1-001", got.TaskID)
	assert.Equal(t, "in_progress", got.To)
	assert.False(t, got.Timestamp.IsZero())
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	conn, err := Connect("", t.TempDir())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewNATSPublisher(conn.NC, "x", nil).Publish(ctx, Event{Kind: KindCommit, Project: "p", VersionID: "v1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Publish(context.Background(), Event{}))
}
