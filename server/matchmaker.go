package server

import (
	"sync"
	"time"

	"github.com/alejzeis/randopair/common"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// MatchPolicy carries the tunable matchmaking and abuse-control parameters
type MatchPolicy struct {
	// How long to wait after broadcasting clearChat before tearing a skipped room down
	SkipGrace time.Duration
	// Number of abuse reports at which a device gets blocked
	ReportThreshold int
	// How long a blocked device stays blocked
	BlockDuration time.Duration
}

// DefaultPolicy returns the stock policy: 100ms skip grace, block for 10 days
// after 5 reports.
func DefaultPolicy() MatchPolicy {
	return MatchPolicy{
		SkipGrace:       100 * time.Millisecond,
		ReportThreshold: 5,
		BlockDuration:   10 * 24 * time.Hour,
	}
}

// PolicyFromConfig reads the [matchmaking] section of the configuration file,
// falling back to DefaultPolicy values for absent or malformed keys.
func PolicyFromConfig(config *ini.File) MatchPolicy {
	policy := DefaultPolicy()
	section := config.Section("matchmaking")

	if key, err := section.GetKey("skip_grace_ms"); err == nil {
		if ms, err2 := key.Int(); err2 == nil && ms >= 0 {
			policy.SkipGrace = time.Duration(ms) * time.Millisecond
		}
	}
	if key, err := section.GetKey("report_threshold"); err == nil {
		if count, err2 := key.Int(); err2 == nil && count > 0 {
			policy.ReportThreshold = count
		}
	}
	if key, err := section.GetKey("block_days"); err == nil {
		if days, err2 := key.Int(); err2 == nil && days > 0 {
			policy.BlockDuration = time.Duration(days) * 24 * time.Hour
		}
	}

	return policy
}

// Matchmaker owns all in-memory pairing state: the waiting pool, the room
// registry and the per-connection sessions. Every inbound connection event is
// handled by one of its methods; the mutex guards the sessions map and every
// session state transition, while the pool and registry carry their own locks.
// The device directory is only ever called outside the mutex.
type Matchmaker struct {
	directory DeviceDirectory
	pool      *WaitingPool
	rooms     *RoomRegistry
	policy    MatchPolicy

	sessions map[string]*session
	mutex    sync.Mutex
}

func NewMatchmaker(directory DeviceDirectory, policy MatchPolicy) *Matchmaker {
	mm := new(Matchmaker)
	mm.directory = directory
	mm.pool = NewWaitingPool()
	mm.rooms = NewRoomRegistry()
	mm.policy = policy
	mm.sessions = make(map[string]*session)
	return mm
}

// Pool exposes the waiting pool for inspection
func (mm *Matchmaker) Pool() *WaitingPool {
	return mm.pool
}

// Rooms exposes the room registry for inspection
func (mm *Matchmaker) Rooms() *RoomRegistry {
	return mm.rooms
}

// tryPairLocked either joins the session with a waiting candidate (forming a
// room) or enqueues it into the waiting pool. The caller must hold mm.mutex.
// Returns the device ids that were paired so the caller can update the
// directory after releasing the lock, or nil if no room was formed.
func (mm *Matchmaker) tryPairLocked(sess *session, exclude map[uint64]struct{}) []uint64 {
	if current := mm.rooms.RoomOf(sess.conn.ID()); current != "" {
		sess.state = statePaired
		sess.room = current
		mm.sendTo(sess.conn, common.Signal{Type: common.SignalAlreadyInRoom, Room: current})
		return nil
	}

	// A searching device re-entering matchmaking must not leave a stale pool
	// entry behind once it pairs. Idempotent.
	mm.pool.Remove(sess.deviceID)

	// The requester itself must never be drawable, ruling out self-pairing.
	draw := make(map[uint64]struct{}, len(exclude)+1)
	for id := range exclude {
		draw[id] = struct{}{}
	}
	draw[sess.deviceID] = struct{}{}

	for {
		entry, found := mm.pool.DequeueRandom(draw)
		if !found {
			mm.pool.Enqueue(sess.deviceID, sess.conn)
			sess.state = stateSearching
			sess.room = ""
			mm.sendTo(sess.conn, common.Signal{Type: common.SignalSearching})

			log.WithField("device", sess.deviceID).Debug("No partner available, device is now searching")
			return nil
		}

		key := RoomKey(sess.deviceID, entry.DeviceID)
		if err := mm.rooms.Join(key, sess.conn); err != nil {
			// The requester raced into a room through another event; put the
			// candidate back and report the membership.
			mm.pool.Enqueue(entry.DeviceID, entry.Conn)
			sess.room = mm.rooms.RoomOf(sess.conn.ID())
			sess.state = statePaired
			mm.sendTo(sess.conn, common.Signal{Type: common.SignalAlreadyInRoom, Room: sess.room})
			return nil
		}
		if err := mm.rooms.Join(key, entry.Conn); err != nil {
			// Candidate went stale (paired elsewhere between draw and join);
			// back out of the half-formed room and redraw without it.
			mm.rooms.Leave(key, sess.conn.ID())
			draw[entry.DeviceID] = struct{}{}
			log.WithFields(log.Fields{
				"candidate": entry.DeviceID,
				"room":      key,
			}).WithError(err).Debug("Discarded stale waiting candidate")
			continue
		}

		sess.state = statePaired
		sess.room = key
		if peer := mm.sessions[entry.Conn.ID()]; peer != nil {
			peer.state = statePaired
			peer.room = key
		}

		mm.sendTo(sess.conn, common.Signal{Type: common.SignalJoined, Room: key})
		mm.sendTo(sess.conn, common.Signal{Type: common.SignalRoomReady, Room: key})
		mm.sendTo(entry.Conn, common.Signal{Type: common.SignalRoomReady, Room: key})

		log.WithFields(log.Fields{
			"room":      key,
			"requester": sess.deviceID,
			"candidate": entry.DeviceID,
		}).Info("Paired two devices")

		return []uint64{sess.deviceID, entry.DeviceID}
	}
}

// admitDevice resolves the device key through the directory and enforces the
// block gate, clearing an expired block window lazily. Emits connectionDenied
// and returns false when the device may not enter matchmaking.
func (mm *Matchmaker) admitDevice(conn Conn, deviceKey string) (DeviceRecord, bool) {
	if deviceKey == "" {
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "device key is required"})
		return DeviceRecord{}, false
	}

	record, err := mm.directory.FindByKey(deviceKey)
	if err == ErrDeviceNotFound {
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "unknown device"})
		return DeviceRecord{}, false
	} else if err != nil {
		log.WithField("device", deviceKey).WithError(err).Error("Device directory lookup failed")
		mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "temporary failure, try again"})
		return DeviceRecord{}, false
	}

	if record.Blocked {
		if record.BlockedNow(time.Now()) {
			log.WithFields(log.Fields{
				"device": record.Key,
				"until":  record.BlockedUntil,
			}).Info("Blocked device denied matchmaking")
			mm.sendTo(conn, common.Signal{Type: common.SignalConnectionDenied, Reason: "your device is blocked"})
			return DeviceRecord{}, false
		}

		// Block window elapsed; clear it now rather than via a background sweep.
		if err := mm.directory.SetBlockState(record.ID, false, time.Time{}); err != nil {
			log.WithField("device", record.Key).WithError(err).Warn("Failed to clear expired block state")
		}
		record.Blocked = false
		record.BlockedUntil = time.Time{}
		log.WithField("device", record.Key).Info("Device block window elapsed, unblocked")
	}

	return record, true
}

// markUnavailable flags freshly paired devices as unavailable in the
// directory. Best effort: a directory failure is logged and the room stands.
func (mm *Matchmaker) markUnavailable(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	if err := mm.directory.SetAvailabilityAll(ids, false); err != nil {
		log.WithField("devices", ids).WithError(err).Warn("Failed to update device availability after pairing")
	}
}

func (mm *Matchmaker) sendTo(conn Conn, signal common.Signal) {
	if err := conn.Send(signal); err != nil {
		log.WithFields(log.Fields{
			"conn":   conn.ID(),
			"signal": signal.Type,
		}).WithError(err).Warn("Failed to deliver signal")
	}
}

// RegisterDevice looks up or creates the directory record for a device key.
// The second return value is true when a new record was created.
func (mm *Matchmaker) RegisterDevice(key string) (DeviceRecord, bool, error) {
	record, err := mm.directory.FindByKey(key)
	if err == nil {
		return record, false, nil
	}
	if err != ErrDeviceNotFound {
		return DeviceRecord{}, false, err
	}

	record, err = mm.directory.Create(key)
	if err != nil {
		return DeviceRecord{}, false, err
	}

	log.WithFields(log.Fields{
		"device": record.Key,
		"id":     record.ID,
	}).Info("Registered new device")
	return record, true, nil
}

// ReleaseDevice marks the device as available again, called when the app on
// that device shuts down.
func (mm *Matchmaker) ReleaseDevice(key string) (DeviceRecord, error) {
	record, err := mm.directory.FindByKey(key)
	if err != nil {
		return DeviceRecord{}, err
	}

	if err := mm.directory.SetAvailability(record.ID, true); err != nil {
		return DeviceRecord{}, err
	}
	record.Available = true
	return record, nil
}

// ReportDevice increments the abuse report counter for a device. Reaching the
// policy threshold blocks the device for the configured window; a device
// already mid-room is not evicted, the block only gates matchmaking entry.
func (mm *Matchmaker) ReportDevice(key string) (DeviceRecord, error) {
	record, err := mm.directory.FindByKey(key)
	if err != nil {
		return DeviceRecord{}, err
	}

	count, err := mm.directory.IncrementReportCount(record.ID)
	if err != nil {
		return DeviceRecord{}, err
	}
	record.ReportCount = count

	if count >= mm.policy.ReportThreshold && !record.Blocked {
		until := time.Now().Add(mm.policy.BlockDuration)
		if err := mm.directory.SetBlockState(record.ID, true, until); err != nil {
			return record, err
		}
		record.Blocked = true
		record.BlockedUntil = until

		log.WithFields(log.Fields{
			"device":  record.Key,
			"reports": count,
			"until":   until,
		}).Info("Device blocked after repeated reports")
	}

	return record, nil
}
