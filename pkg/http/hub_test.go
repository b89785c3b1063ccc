package http

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-server/pkg/events"
)

func newTestHub() *EventHub {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewEventHub(logger)
}

func TestHubRegisterUnregister(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &Client{hub: h, send: make(chan []byte, 1), room: "campaign-1"}
	h.register <- c
	assert.Eventually(t, func() bool {
		return h.ClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	h.remove(c)
	assert.Eventually(t, func() bool {
		return h.ClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	h := newTestHub()

	// No hub loop is draining the channel; past the buffer the messages
	// are dropped, never queued against the dispatch path.
	msg := &events.BroadcastMessage{Event: events.Event{Type: "call.answered"}}
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Broadcast(context.Background(), msg))
	}
}

func TestClientTeardownAfterShutdown(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(runDone)
	}()

	c := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- c
	cancel()
	<-runDone

	// The hub loop has exited; client teardown must still return.
	finished := make(chan struct{})
	go func() {
		h.remove(c)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("client teardown blocked after hub shutdown")
	}
}
