// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package console

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/events"
)

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	clientMessage = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the console serves browser clients on the same origin only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is a message from a websocket client managing its event
// groups.
type clientCommand struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Client actions.
const (
	actionJoinSubscription  = "join-subscription"
	actionLeaveSubscription = "leave-subscription"
	actionJoinAll           = "join-all"
	actionLeaveAll          = "leave-all"
)

func (server *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		log:       server.log.Named("ws"),
		events:    server.events,
		conn:      conn,
		out:       make(chan events.Event, 64),
		done:      make(chan struct{}),
		listeners: map[uuid.UUID]*events.Listener{},
	}
	go client.writePump()
	client.readPump()
}

// wsClient is a single websocket connection and the event groups it
// joined. The read pump owns the listener map.
type wsClient struct {
	log    *zap.Logger
	events *events.Publisher
	conn   *websocket.Conn

	out  chan events.Event
	done chan struct{}

	mu        sync.Mutex
	listeners map[uuid.UUID]*events.Listener
	global    *events.Listener
}

func (client *wsClient) readPump() {
	defer client.teardown()

	client.conn.SetReadLimit(clientMessage)
	for {
		var command clientCommand
		if err := client.conn.ReadJSON(&command); err != nil {
			return
		}
		client.handle(command)
	}
}

func (client *wsClient) handle(command clientCommand) {
	client.mu.Lock()
	defer client.mu.Unlock()

	switch command.Action {
	case actionJoinSubscription:
		id, err := uuid.FromString(command.SubscriptionID)
		if err != nil {
			return
		}
		if _, ok := client.listeners[id]; ok {
			return
		}
		listener := client.events.Join(id)
		client.listeners[id] = listener
		go client.forward(listener)

	case actionLeaveSubscription:
		id, err := uuid.FromString(command.SubscriptionID)
		if err != nil {
			return
		}
		if listener, ok := client.listeners[id]; ok {
			delete(client.listeners, id)
			client.events.Leave(listener)
		}

	case actionJoinAll:
		if client.global != nil {
			return
		}
		client.global = client.events.JoinAll()
		go client.forward(client.global)

	case actionLeaveAll:
		if client.global != nil {
			client.events.Leave(client.global)
			client.global = nil
		}

	default:
		client.log.Debug("unknown websocket action", zap.String("action", command.Action))
	}
}

// forward moves events from a listener to the connection's outbound
// queue until the listener or connection goes away.
func (client *wsClient) forward(listener *events.Listener) {
	for event := range listener.Events() {
		select {
		case client.out <- event:
		case <-client.done:
			return
		}
	}
}

func (client *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = client.conn.Close() }()

	for {
		select {
		case event := <-client.out:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (client *wsClient) teardown() {
	client.mu.Lock()
	for id, listener := range client.listeners {
		delete(client.listeners, id)
		client.events.Leave(listener)
	}
	if client.global != nil {
		client.events.Leave(client.global)
		client.global = nil
	}
	client.mu.Unlock()

	close(client.done)
	_ = client.conn.Close()
}
