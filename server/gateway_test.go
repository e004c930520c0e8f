package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alejzeis/randopair/common"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A stalled client must not be able to block Send forever: once the socket
// buffers fill, the write deadline has to surface an error in bounded time so
// the caller (and any matchmaking work queued behind it) keeps moving.
func TestWsConnSendFailsOnStalledClient(t *testing.T) {
	previousWait := writeWait
	writeWait = 200 * time.Millisecond
	defer func() { writeWait = previousWait }()

	upgraded := make(chan *wsConn, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- &wsConn{id: "stalled", socket: socket}
	}))
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	clientSocket, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Dialing the test server should not fail")
	defer clientSocket.Close()
	// The client side never reads, so the server's writes back up once the
	// kernel socket buffers are full.

	var conn *wsConn
	select {
	case conn = <-upgraded:
	case <-time.After(5 * time.Second):
		t.Fatal("Websocket upgrade never completed")
	}

	payload := strings.Repeat("x", 256*1024)
	giveUp := time.Now().Add(30 * time.Second)

	var sendErr error
	for sendErr == nil && time.Now().Before(giveUp) {
		sendErr = conn.Send(common.Signal{Type: common.SignalMessage, Payload: payload})
	}

	assert.Error(t, sendErr, "Send must eventually fail against a client that stopped reading")
}
