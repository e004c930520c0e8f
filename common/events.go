package common

// Inbound event types, sent by clients over the websocket as JSON Event frames.
const (
	EventRegisterOrJoin = "registerorjoin"
	EventMessage        = "message"
	EventSkip           = "skip"
	EventRejoin         = "reJoin"
	EventStopSearch     = "stopSearch"
	EventLeaveRoom      = "leaveRoom"
	EventDisconnectRoom = "disconnectRoom"
)

// Outbound signal types, sent by the server over the websocket as JSON Signal frames.
const (
	SignalSearching        = "searching"
	SignalJoined           = "joined"
	SignalRoomReady        = "roomReady"
	SignalConnectionDenied = "connectionDenied"
	SignalAlreadyInRoom    = "alreadyInRoom"
	SignalClearChat        = "clearChat"
	SignalMessage          = "message"
	SignalPeerLeft         = "peerLeft"
	SignalStoppedSearch    = "stoppedSearch"
	SignalRejoin           = "reJoin"
	SignalUserDisconnected = "userDisconnected"
)

// Event is the envelope for every inbound websocket frame.
// Which fields are meaningful depends on Type: registerorjoin needs DeviceKey,
// message needs Room and Payload, reJoin needs DeviceKey and Room, and so on.
type Event struct {
	Type      string `json:"type"`
	DeviceKey string `json:"deviceKey,omitempty"`
	Room      string `json:"room,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Signal is the envelope for every outbound websocket frame
type Signal struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	Payload   string `json:"payload,omitempty"`
	DeviceKey string `json:"deviceKey,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
