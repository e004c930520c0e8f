package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alejzeis/randopair/common"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var infoResponseJSON []byte // Cached bytes of the JSON for the /info response

var matchmaker *Matchmaker
var secret []byte // HMAC secret used for signing JWTs

// writeWait bounds how long a single outbound frame may block on a slow or
// dead client socket before the write is abandoned with an error.
var writeWait = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	// Clients are anonymous mobile/web apps, any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the engine's Conn interface.
// The mutex serializes writes, since handlers running on several goroutines
// may signal the same peer.
type wsConn struct {
	id     string
	socket *websocket.Conn
	mutex  sync.Mutex
}

func (conn *wsConn) ID() string {
	return conn.id
}

func (conn *wsConn) Send(signal common.Signal) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.socket.WriteJSON(signal)
}

func (conn *wsConn) Close() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.socket.Close()
}

func verifyToken(tokenStr string) (bool, string) {
	decodedToken, err := jwt.ParseWithClaims(tokenStr, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Don't forget to validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}

		return secret, nil
	})

	if err != nil {
		log.WithError(err).Warn("Failed to decode token, probably invalid signature")
		return false, ""
	}

	if claims, ok := decodedToken.Claims.(*jwt.StandardClaims); ok && decodedToken.Valid {
		if time.Now().After(time.Unix(claims.ExpiresAt, 0)) {
			return false, ""
		}

		return true, claims.Subject
	}

	return false, ""
}

func issueToken(deviceKey string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"iss": common.SoftwareName,
		"sub": deviceKey,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})

	return t.SignedString(secret)
}

// StartControlServer begins handling HTTP and websocket requests, called by main function
func StartControlServer(config *ini.File, mm *Matchmaker) {
	log.Info("Starting REST API and websocket HTTP Server...")

	infoResponseJSON, _ = json.Marshal(common.InfoResponse{
		Software: common.SoftwareName,
		Version:  common.SoftwareVersion,
		API:      common.APIVersion,
	})

	matchmaker = mm

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/info", handleInfo).Methods("GET")
	router.HandleFunc("/api/deviceid", handleRegisterDevice).Methods("POST")
	router.HandleFunc("/api/appclose", handleAppClose).Methods("POST")
	router.HandleFunc("/api/deviceid/report", handleReportDevice).Methods("POST")
	router.HandleFunc("/ws", handleSocket).Methods("GET")

	portKey, err := config.Section("server").GetKey("port")
	if err != nil {
		log.WithError(err).Error("Failed to get server port from configuration file.")
		panic(err)
	}
	port, err2 := portKey.Int()
	if err2 != nil {
		log.WithError(err2).Error("Failed to get server port as integer from configuration file.")
		panic(err2)
	}

	secretKey, err := config.Section("server").GetKey("secret")
	if err != nil {
		log.WithError(err).Error("Failed to get server secret from configuration file.")
		panic(err)
	}

	secret = []byte(secretKey.String())

	log.WithError(http.ListenAndServe(":"+strconv.Itoa(port), router)).WithField("port", port).Error("Failed to start listening")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func deviceInfo(record DeviceRecord) common.DeviceInfo {
	info := common.DeviceInfo{
		ID:        record.ID,
		DeviceKey: record.Key,
		Available: record.Available,
		Blocked:   record.Blocked,
		Reports:   record.ReportCount,
	}
	if record.Blocked {
		info.BlockedUntil = record.BlockedUntil.Format(time.RFC3339)
	}
	return info
}

// deviceKeyRequest is the JSON body shared by the device REST methods
type deviceKeyRequest struct {
	DeviceKey string `json:"deviceid"`
}

func decodeDeviceKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	var request deviceKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.DeviceKey == "" {
		writeJSON(w, http.StatusBadRequest, common.ErrorResponse{Error: "Device ID is required"})
		return "", false
	}
	return request.DeviceKey, true
}

// Returns server information such as the software version and REST API version
func handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(infoResponseJSON)
}

// Registers a device key, or returns the existing record for it. Either way a
// session token for the websocket endpoint is included.
// HTTP Responses:
//   - 400 Bad Request: Body omitted the deviceid field
//   - 500 Internal Server Error: Directory failure
//   - 200 OK: Device key was already registered, returns existing record
//   - 201 Created: Successfully created device record
func handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	deviceKey, ok := decodeDeviceKey(w, r)
	if !ok {
		return
	}

	record, created, err := matchmaker.RegisterDevice(deviceKey)
	if err != nil {
		log.WithField("device", deviceKey).WithError(err).Error("Failed to register device")
		writeJSON(w, http.StatusInternalServerError, common.ErrorResponse{Error: "Internal server error"})
		return
	}

	token, err := issueToken(record.Key)
	if err != nil {
		log.WithField("device", record.Key).WithError(err).Error("Failed to encode JWT for device registration.")
		writeJSON(w, http.StatusInternalServerError, common.ErrorResponse{Error: "Internal server error"})
		return
	}

	response := common.RegisterResponse{Device: deviceInfo(record), Token: token}
	if created {
		response.Status = "true"
		writeJSON(w, http.StatusCreated, response)
	} else {
		response.Status = "false"
		response.Message = "Device ID already exists"
		writeJSON(w, http.StatusOK, response)
	}
}

// Marks a device as available again when the app on it shuts down.
// HTTP Responses:
//   - 400 Bad Request: Body omitted the deviceid field
//   - 404 Not Found: No record exists for the device key
//   - 500 Internal Server Error: Directory failure
//   - 200 OK: Availability updated, returns the record
func handleAppClose(w http.ResponseWriter, r *http.Request) {
	deviceKey, ok := decodeDeviceKey(w, r)
	if !ok {
		return
	}

	record, err := matchmaker.ReleaseDevice(deviceKey)
	if err == ErrDeviceNotFound {
		writeJSON(w, http.StatusNotFound, common.ErrorResponse{Error: "Device not found"})
		return
	} else if err != nil {
		log.WithField("device", deviceKey).WithError(err).Error("Failed to release device")
		writeJSON(w, http.StatusInternalServerError, common.ErrorResponse{Error: "Internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, common.CloseResponse{Status: "true", Device: deviceInfo(record)})
}

// Files an abuse report against a device; enough reports block it from
// matchmaking for the configured window.
// HTTP Responses:
//   - 400 Bad Request: Body omitted the deviceid field
//   - 404 Not Found: No record exists for the device key
//   - 500 Internal Server Error: Directory failure
//   - 200 OK: Report recorded
func handleReportDevice(w http.ResponseWriter, r *http.Request) {
	deviceKey, ok := decodeDeviceKey(w, r)
	if !ok {
		return
	}

	_, err := matchmaker.ReportDevice(deviceKey)
	if err == ErrDeviceNotFound {
		writeJSON(w, http.StatusNotFound, common.ErrorResponse{Error: "Device not found"})
		return
	} else if err != nil {
		log.WithField("device", deviceKey).WithError(err).Error("Failed to report device")
		writeJSON(w, http.StatusInternalServerError, common.ErrorResponse{Error: "Internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, common.ReportResponse{Message: "Device reported successfully"})
}

// Upgrades the connection to a websocket and hands it to the matchmaker. A
// session token from /api/deviceid may be supplied via the token query
// parameter; if present it must verify.
func handleSocket(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		valid, _ := verifyToken(token)
		if !valid {
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	socket, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("address", r.RemoteAddr).WithError(err).Warn("Failed to upgrade connection to websocket")
		return
	}

	conn := &wsConn{id: uuid.New().String(), socket: socket}
	matchmaker.Connect(conn)

	log.WithFields(log.Fields{
		"conn":    conn.id,
		"address": r.RemoteAddr,
	}).Info("New websocket connection")

	go readLoop(conn)
}

// readLoop pumps inbound event frames from one connection into the matchmaker
// until the socket drops, then runs the disconnect cleanup.
func readLoop(conn *wsConn) {
	defer matchmaker.Disconnect(conn)

	for {
		var event common.Event
		if err := conn.socket.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithField("conn", conn.id).WithError(err).Warn("Websocket connection dropped")
			}
			return
		}

		dispatch(conn, event)
	}
}

func dispatch(conn *wsConn, event common.Event) {
	switch event.Type {
	case common.EventRegisterOrJoin:
		matchmaker.RegisterOrJoin(conn, event.DeviceKey)
	case common.EventMessage:
		matchmaker.Message(conn, event.Room, event.Payload)
	case common.EventSkip:
		matchmaker.Skip(conn, event.Room)
	case common.EventRejoin:
		matchmaker.Rejoin(conn, event.DeviceKey, event.Room)
	case common.EventStopSearch:
		matchmaker.StopSearch(conn)
	case common.EventLeaveRoom:
		matchmaker.LeaveRoom(conn, event.Room)
	case common.EventDisconnectRoom:
		matchmaker.DisconnectRoom(conn, event.Room)
	default:
		log.WithFields(log.Fields{
			"conn": conn.id,
			"type": event.Type,
		}).Warn("Ignoring unknown event type")
	}
}
