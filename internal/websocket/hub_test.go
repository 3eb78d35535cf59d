package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubPublishRoutesByTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	all := &Client{hub: h, send: make(chan Message, sendBufferSize), topics: []string{TopicBackups}}
	one := &Client{hub: h, send: make(chan Message, sendBufferSize), topics: []string{TopicDatabase("db-1")}}
	h.Subscribe(all)
	h.Subscribe(one)
	waitFor(t, func() bool { return h.ConnectedCount() == 2 })

	h.Publish(TopicBackups, Message{Type: MsgBackupStatus, Topic: TopicBackups})

	select {
	case msg := <-all.send:
		assert.Equal(t, MsgBackupStatus, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}
	assert.Empty(t, one.send)

	h.Publish(TopicDatabase("db-1"), Message{Type: MsgBackupStatus, Topic: TopicDatabase("db-1")})
	select {
	case msg := <-one.send:
		assert.Equal(t, TopicDatabase("db-1"), msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("database subscriber did not receive message")
	}
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	// Buffer of one: the second publish overflows and evicts the client.
	slow := &Client{hub: h, send: make(chan Message, 1), topics: []string{TopicBackups}}
	h.Subscribe(slow)
	waitFor(t, func() bool { return h.ConnectedCount() == 1 })

	h.Publish(TopicBackups, Message{Type: MsgBackupStatus})
	h.Publish(TopicBackups, Message{Type: MsgBackupStatus})

	waitFor(t, func() bool { return h.ConnectedCount() == 0 })

	// The hub closed the channel; the buffered message is still readable.
	msg, ok := <-slow.send
	require.True(t, ok)
	assert.Equal(t, MsgBackupStatus, msg.Type)
	_, ok = <-slow.send
	assert.False(t, ok)
}
