package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebSocketHub_ClientManagement(t *testing.T) {
	hub := NewWebSocketHub()

	// 启动hub在后台
	go hub.Run()

	client1 := &WebSocketClient{
		ID:   "client-1",
		Send: make(chan WebSocketMessage, 256),
		Hub:  hub,
	}
	client2 := &WebSocketClient{
		ID:   "client-2",
		Send: make(chan WebSocketMessage, 256),
		Hub:  hub,
	}

	hub.register <- client1
	hub.register <- client2
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, hub.ClientCount())

	hub.unregister <- client1
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	hub.unregister <- client2
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()

	client := &WebSocketClient{
		ID:   "dashboard",
		Send: make(chan WebSocketMessage, 256),
		Hub:  hub,
	}
	hub.register <- client
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast("sla_warning", map[string]interface{}{"ticket_id": 42})

	select {
	case msg := <-client.Send:
		assert.Equal(t, "sla_warning", msg.Type)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestWebSocketHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewWebSocketHub()
	// 未启动、无客户端时广播不阻塞
	for i := 0; i < 100; i++ {
		hub.Broadcast("noop", nil)
	}
	assert.Equal(t, 0, hub.ClientCount())
}
