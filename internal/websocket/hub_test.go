package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yajmaan/sevaflow/internal/model"
)

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastsToBatchSubscribers(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	watcher := NewClient("b1", nil, 4)
	other := NewClient("b2", nil, 4)
	hub.Register(watcher)
	hub.Register(other)

	hub.BroadcastProgress(model.ProgressSnapshot{BatchID: "b1", Status: model.BatchStatusRunning})
	msg := receive(t, watcher)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
	assert.Equal(t, "b1", msg["batchId"])

	hub.BroadcastComplete(model.BatchReport{BatchID: "b1", Status: model.BatchStatusCompleted})
	msg = receive(t, watcher)
	assert.Equal(t, model.WSMessageTypeComplete, msg["type"])

	hub.BroadcastError("b1", "BATCH_FAILED", "boom")
	msg = receive(t, watcher)
	assert.Equal(t, model.WSMessageTypeError, msg["type"])

	assert.Empty(t, other.Send)
}

func TestHub_UnregisterDropsClient(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	c := NewClient("b1", nil, 1)
	hub.Register(c)
	hub.Unregister(c)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not dropped")
	}
	assert.Zero(t, hub.Subscribers("b1"))
	assert.False(t, c.Offer([]byte("pong")))

	// a late unregister from the connection handler is harmless
	hub.Unregister(c)
}

func TestHub_SlowReaderIsDroppedWithoutClosingSend(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	c := NewClient("b1", nil, 1)
	hub.Register(c)

	hub.BroadcastProgress(model.ProgressSnapshot{BatchID: "b1", Status: model.BatchStatusRunning})
	hub.BroadcastProgress(model.ProgressSnapshot{BatchID: "b1", Status: model.BatchStatusRunning})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow client not dropped")
	}
	assert.Zero(t, hub.Subscribers("b1"))

	// the reader still answers pings after the hub gave up on the client
	assert.NotPanics(t, func() {
		pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
		c.Offer(pong)
		select {
		case c.Send <- pong:
		default:
		}
	})
	msg := receive(t, c)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
}
