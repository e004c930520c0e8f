package server

import (
	"errors"
	"sync"
	"time"
)

// ErrDeviceNotFound is returned by a DeviceDirectory when no record exists for a key or id
var ErrDeviceNotFound = errors.New("device not found")

// ErrDeviceExists is returned by DeviceDirectory.Create when the key is already registered
var ErrDeviceExists = errors.New("device already exists")

// DeviceRecord is the durable per-device state held by the Device Directory.
// A device is identified by its opaque Key (a client-generated fingerprint);
// everything else in the engine references the numeric ID.
type DeviceRecord struct {
	ID           uint64    `json:"id"`
	Key          string    `json:"deviceid"`
	Available    bool      `json:"available"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blockedUntil"`
	ReportCount  int       `json:"reports"`
}

// BlockedNow reports whether the record's block window covers the given instant.
// A record with Blocked set but an elapsed window is due for lazy expiry.
func (record *DeviceRecord) BlockedNow(now time.Time) bool {
	return record.Blocked && now.Before(record.BlockedUntil)
}

// DeviceDirectory is the narrow contract the matchmaking engine consumes for
// persistent device state. Implementations must be safe for concurrent use.
type DeviceDirectory interface {
	// Finds the record registered under the given device key
	FindByKey(key string) (DeviceRecord, error)
	// Creates a new record under the given device key
	Create(key string) (DeviceRecord, error)
	// Updates the availability flag of one device
	SetAvailability(id uint64, available bool) error
	// Updates the availability flag of several devices at once
	SetAvailabilityAll(ids []uint64, available bool) error
	// Updates the block state of one device. A zero until time clears the window.
	SetBlockState(id uint64, blocked bool, until time.Time) error
	// Increments the report counter of one device, returning the new count
	IncrementReportCount(id uint64) (int, error)
}

// MemoryDirectory is an in-memory DeviceDirectory, used by the test suites and
// usable as a volatile store for single-node development runs.
type MemoryDirectory struct {
	mutex  sync.Mutex
	byKey  map[string]*DeviceRecord
	byID   map[uint64]*DeviceRecord
	nextID uint64
}

func NewMemoryDirectory() *MemoryDirectory {
	directory := new(MemoryDirectory)
	directory.byKey = make(map[string]*DeviceRecord)
	directory.byID = make(map[uint64]*DeviceRecord)
	return directory
}

func (directory *MemoryDirectory) FindByKey(key string) (DeviceRecord, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, exists := directory.byKey[key]
	if !exists {
		return DeviceRecord{}, ErrDeviceNotFound
	}
	return *record, nil
}

func (directory *MemoryDirectory) Create(key string) (DeviceRecord, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	if _, exists := directory.byKey[key]; exists {
		return DeviceRecord{}, ErrDeviceExists
	}

	directory.nextID++
	record := &DeviceRecord{
		ID:        directory.nextID,
		Key:       key,
		Available: true,
	}
	directory.byKey[key] = record
	directory.byID[record.ID] = record
	return *record, nil
}

func (directory *MemoryDirectory) SetAvailability(id uint64, available bool) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, exists := directory.byID[id]
	if !exists {
		return ErrDeviceNotFound
	}
	record.Available = available
	return nil
}

func (directory *MemoryDirectory) SetAvailabilityAll(ids []uint64, available bool) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	for _, id := range ids {
		if record, exists := directory.byID[id]; exists {
			record.Available = available
		}
	}
	return nil
}

func (directory *MemoryDirectory) SetBlockState(id uint64, blocked bool, until time.Time) error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, exists := directory.byID[id]
	if !exists {
		return ErrDeviceNotFound
	}
	record.Blocked = blocked
	record.BlockedUntil = until
	return nil
}

func (directory *MemoryDirectory) IncrementReportCount(id uint64) (int, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	record, exists := directory.byID[id]
	if !exists {
		return 0, ErrDeviceNotFound
	}
	record.ReportCount++
	return record.ReportCount, nil
}
