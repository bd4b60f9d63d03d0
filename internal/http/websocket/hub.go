package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mediavault/fetchd/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

type (
	// SocketMessage is a single JSON packet pushed to connected clients.
	// The activity gateway only ever broadcasts; client messages are read
	// and discarded to service the connection's control frames.
	SocketMessage struct {
		Title string                 `json:"title"`
		Body  map[string]interface{} `json:"arguments"`
	}

	socketClient struct {
		id     uuid.UUID
		socket *websocket.Conn
	}

	// SocketHub manages websocket upgrading, connected clients and the
	// broadcasting of activity messages to all of them.
	SocketHub struct {
		upgrader           *websocket.Upgrader
		clients            []*socketClient
		registerCh         chan *socketClient
		deregisterCh       chan *socketClient
		sendCh             chan *SocketMessage
		connectionCallback func() map[string]interface{}
		running            bool
	}
)

func New() *SocketHub {
	return &SocketHub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		running: false,
	}
}

// WithConnectionCallback sets a callback that will be executed each time a new
// client connects to this hub. This allows the client to be furnished with a
// payload of the server's current state, without having to wait for an update
// packet from the server (which may never come if the content does not change).
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]interface{}) {
	hub.connectionCallback = callback
}

// Start begins the socket hub by listening on all related channels for
// incoming clients and outgoing messages.
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		socketLogger.Emit(logger.WARNING, "Attempting to start socketHub when already running! Ignoring request.\n")
		return
	} else if ctx.Err() != nil {
		socketLogger.Emit(logger.STOP, "Refusing to start socket hub as provided context is already cancelled\n")
		return
	}
	socketLogger.Emit(logger.INFO, "Opening SocketHub!\n")

	hub.sendCh = make(chan *SocketMessage)
	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	defer hub.close()
loop:
	for {
		select {
		case message := <-hub.sendCh:
			for _, client := range hub.clients {
				if err := client.socket.WriteJSON(message); err != nil {
					socketLogger.Emit(logger.ERROR, "Failed to send message to client {%v}: %v\n", client.id, err.Error())
				}
			}
		case client := <-hub.registerCh:
			if idx := hub.findClient(client.id); idx > -1 {
				socketLogger.Emit(logger.ERROR, "Attempted to register client that is already registered (duplicate uuid)! Illegal!\n")
				client.socket.Close()

				break
			}

			hub.clients = append(hub.clients, client)
			socketLogger.Emit(logger.NEW, "Registered new client {%v}\n", client.id)

			if hub.connectionCallback != nil {
				welcome := &SocketMessage{Title: "CONNECTION_ESTABLISHED", Body: hub.connectionCallback()}
				if err := client.socket.WriteJSON(welcome); err != nil {
					socketLogger.Emit(logger.ERROR, "Failed to furnish new client {%v} with connection payload: %v\n", client.id, err.Error())
				}
			}
		case client := <-hub.deregisterCh:
			if idx := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				client.socket.Close()
				socketLogger.Emit(logger.REMOVE, "Deregistered client {%v}\n", client.id)

				break
			}

			socketLogger.Emit(logger.WARNING, "Attempted to deregister unknown client {%v}\n", client.id)
		case <-ctx.Done():
			socketLogger.Emit(logger.REMOVE, "Shutting down socket hub! Closing all clients.\n")
			break loop
		}
	}
}

// Send accepts a socket message and will emit this message on the send
// channel, broadcasting it to every connected client - the message is ignored
// if the hub is not running (see Start()).
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running {
		socketLogger.Emit(logger.WARNING, "Attempted to send message via socket hub, however the hub is offline. Ignoring message.\n")
		return
	}

	hub.sendCh <- message
}

// UpgradeToSocket upgrades a given HTTP request to a websocket and adds the
// new client to the hub.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: SocketHub has not been started!\n")
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err.Error())
		return
	}

	client := &socketClient{id: uuid.New(), socket: sock}
	hub.registerCh <- client

	// Drain the client's reads so control frames are serviced; any payload
	// the client sends is discarded.
	go func() {
		for {
			if _, _, err := client.socket.ReadMessage(); err != nil {
				if hub.running {
					hub.deregisterCh <- client
				}

				return
			}
		}
	}()
}

func (hub *SocketHub) findClient(id uuid.UUID) int {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx
		}
	}

	return -1
}

func (hub *SocketHub) close() {
	for _, client := range hub.clients {
		client.socket.Close()
	}

	hub.clients = nil
	hub.running = false
	socketLogger.Emit(logger.STOP, "Socket hub closed\n")
}
