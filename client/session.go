package client

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alejzeis/randopair/common"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// chatSession holds the websocket connection to the matchmaking server and the
// room state mirrored from its signals.
type chatSession struct {
	mutex     *sync.Mutex
	socket    *websocket.Conn
	deviceKey string
	room      string
}

func createChatSession() *chatSession {
	session := new(chatSession)
	session.mutex = &sync.Mutex{}
	return session
}

func (session *chatSession) connect(address string, deviceKey string, token string) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.socket != nil {
		return true // already connected to server
	}

	var wsAddress string
	if strings.HasPrefix(address, "http://") {
		wsAddress = strings.ReplaceAll(address, "http://", "ws://")
	} else if strings.HasPrefix(address, "https://") {
		wsAddress = strings.ReplaceAll(address, "https://", "wss://")
	} else {
		log.WithField("address", address).Error("Invalid address")
		return false
	}
	wsAddress = wsAddress + "/ws?token=" + token

	socket, _, err := websocket.DefaultDialer.Dial(wsAddress, nil)
	if err != nil {
		log.WithError(err).WithField("address", wsAddress).Error("Failed to connect to matchmaking server")
		return false
	}

	session.socket = socket
	session.deviceKey = deviceKey
	go session.readSignals()
	return true
}

func (session *chatSession) isConnected() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	return session.socket != nil
}

func (session *chatSession) currentRoom() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	return session.room
}

func (session *chatSession) sendEvent(event common.Event) {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.socket == nil {
		log.Error("Not connected, use \"connect\" first")
		return
	}
	if err := session.socket.WriteJSON(event); err != nil {
		log.WithField("type", event.Type).WithError(err).Warn("Failed to send event to matchmaking server")
	}
}

func (session *chatSession) search() {
	session.sendEvent(common.Event{Type: common.EventRegisterOrJoin, DeviceKey: session.deviceKey})
}

func (session *chatSession) sendMessage(text string) {
	room := session.currentRoom()
	if room == "" {
		log.Error("Not paired with anyone yet")
		return
	}
	session.sendEvent(common.Event{Type: common.EventMessage, Room: room, Payload: text})
}

func (session *chatSession) skip() {
	room := session.currentRoom()
	if room == "" {
		log.Error("Not paired with anyone yet")
		return
	}
	session.sendEvent(common.Event{Type: common.EventSkip, Room: room})
}

func (session *chatSession) stopSearch() {
	session.sendEvent(common.Event{Type: common.EventStopSearch, DeviceKey: session.deviceKey})
}

func (session *chatSession) leaveRoom() {
	room := session.currentRoom()
	if room == "" {
		log.Error("Not paired with anyone yet")
		return
	}
	session.sendEvent(common.Event{Type: common.EventLeaveRoom, Room: room})

	session.mutex.Lock()
	session.room = ""
	session.mutex.Unlock()
}

func (session *chatSession) close() {
	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.socket == nil {
		return
	}

	room := session.room
	_ = session.socket.WriteJSON(common.Event{Type: common.EventDisconnectRoom, Room: room})
	_ = session.socket.Close()
	session.socket = nil
	session.room = ""
}

// readSignals pumps server signals and mirrors the room state until the
// connection drops.
func (session *chatSession) readSignals() {
	for {
		var signal common.Signal
		if err := session.socket.ReadJSON(&signal); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("Connection to matchmaking server lost")
			}
			session.mutex.Lock()
			session.socket = nil
			session.room = ""
			session.mutex.Unlock()
			return
		}

		switch signal.Type {
		case common.SignalSearching:
			log.Info("Searching for a partner...")
		case common.SignalJoined, common.SignalRoomReady:
			session.mutex.Lock()
			session.room = signal.Room
			session.mutex.Unlock()
			log.WithField("room", signal.Room).Info("Paired into a room")
		case common.SignalMessage:
			fmt.Printf("[%s] %s\n", signal.DeviceKey, signal.Payload)
		case common.SignalClearChat:
			log.Info("Chat cleared")
		case common.SignalRejoin:
			// The server vacated our room; search again, excluding the old partner.
			session.mutex.Lock()
			session.room = ""
			session.mutex.Unlock()
			session.sendEvent(common.Event{Type: common.EventRejoin, DeviceKey: session.deviceKey, Room: signal.Room})
		case common.SignalPeerLeft, common.SignalUserDisconnected:
			session.mutex.Lock()
			session.room = ""
			session.mutex.Unlock()
			log.Info("Your partner left the chat")
		case common.SignalStoppedSearch:
			log.Info("Stopped searching")
		case common.SignalAlreadyInRoom:
			session.mutex.Lock()
			session.room = signal.Room
			session.mutex.Unlock()
			log.WithField("room", signal.Room).Info("Already in a room")
		case common.SignalConnectionDenied:
			log.WithField("reason", signal.Reason).Warn("Connection denied by server")
		default:
			log.WithField("type", signal.Type).Debug("Ignoring unknown signal")
		}
	}
}
