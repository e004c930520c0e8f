package server

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices    = []byte("devices")    // id (big endian uint64) -> DeviceRecord JSON
	bucketDeviceKeys = []byte("deviceKeys") // device key -> id (big endian uint64)
)

// BoltDirectory is a DeviceDirectory persisted in a bbolt file, the production
// store for a single-node deployment. Records are stored as JSON keyed by their
// numeric id, with a second bucket indexing device keys to ids.
type BoltDirectory struct {
	db *bolt.DB
}

// OpenBoltDirectory opens (creating if needed) the device database at path
func OpenBoltDirectory(path string) (*BoltDirectory, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDeviceKeys)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltDirectory{db: db}, nil
}

// Close closes the underlying database file
func (directory *BoltDirectory) Close() error {
	return directory.db.Close()
}

func idBytes(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func getRecord(tx *bolt.Tx, id uint64) (DeviceRecord, error) {
	var record DeviceRecord
	data := tx.Bucket(bucketDevices).Get(idBytes(id))
	if data == nil {
		return record, ErrDeviceNotFound
	}
	err := json.Unmarshal(data, &record)
	return record, err
}

func putRecord(tx *bolt.Tx, record DeviceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDevices).Put(idBytes(record.ID), data)
}

func (directory *BoltDirectory) FindByKey(key string) (DeviceRecord, error) {
	var record DeviceRecord
	err := directory.db.View(func(tx *bolt.Tx) error {
		idData := tx.Bucket(bucketDeviceKeys).Get([]byte(key))
		if idData == nil {
			return ErrDeviceNotFound
		}
		var err error
		record, err = getRecord(tx, binary.BigEndian.Uint64(idData))
		return err
	})
	return record, err
}

func (directory *BoltDirectory) Create(key string) (DeviceRecord, error) {
	var record DeviceRecord
	err := directory.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketDeviceKeys)
		if keys.Get([]byte(key)) != nil {
			return ErrDeviceExists
		}

		id, err := tx.Bucket(bucketDevices).NextSequence()
		if err != nil {
			return err
		}

		record = DeviceRecord{ID: id, Key: key, Available: true}
		if err := putRecord(tx, record); err != nil {
			return err
		}
		return keys.Put([]byte(key), idBytes(id))
	})
	return record, err
}

func (directory *BoltDirectory) SetAvailability(id uint64, available bool) error {
	return directory.db.Update(func(tx *bolt.Tx) error {
		record, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		record.Available = available
		return putRecord(tx, record)
	})
}

func (directory *BoltDirectory) SetAvailabilityAll(ids []uint64, available bool) error {
	return directory.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			record, err := getRecord(tx, id)
			if err == ErrDeviceNotFound {
				continue
			} else if err != nil {
				return err
			}
			record.Available = available
			if err := putRecord(tx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (directory *BoltDirectory) SetBlockState(id uint64, blocked bool, until time.Time) error {
	return directory.db.Update(func(tx *bolt.Tx) error {
		record, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		record.Blocked = blocked
		record.BlockedUntil = until
		return putRecord(tx, record)
	})
}

func (directory *BoltDirectory) IncrementReportCount(id uint64) (int, error) {
	var count int
	err := directory.db.Update(func(tx *bolt.Tx) error {
		record, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		record.ReportCount++
		count = record.ReportCount
		return putRecord(tx, record)
	})
	return count, err
}
