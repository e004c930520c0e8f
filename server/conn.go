package server

import "github.com/alejzeis/randopair/common"

// Conn is the engine's view of a single connected client.
// This is an abstracted type over the websocket connection used by the matchmaking
// code, primarily to allow mocks for testing purposes; the gateway owns the real
// implementation and guarantees ID is stable for the connection's lifetime.
type Conn interface {
	// Returns the stable identifier assigned to this connection at upgrade time
	ID() string
	// Sends one signal frame to the client
	Send(signal common.Signal) error
	// Closes the underlying socket
	Close() error
}
