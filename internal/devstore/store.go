// Package devstore persists metadata about devices the manager has
// seen, keyed by their stable container-derived id.
package devstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"go.uber.org/zap"
)

var keyPrefix = []byte("hid/devices/")

// ErrUnknownDevice is returned by Get for ids that were never seen.
var ErrUnknownDevice = errors.New("device was never seen")

// SeenDevice is the persisted record of one physical device.
type SeenDevice struct {
	ID           uuid.UUID `json:"id"`
	Serial       string    `json:"serial"`
	Manufacturer string    `json:"manufacturer"`
	Product      string    `json:"product"`
	VendorID     uint16    `json:"vendorId"`
	ProductID    uint16    `json:"productId"`
	UsagePage    uint16    `json:"usagePage"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

type Store struct {
	log *zap.Logger
	db  *badger.DB
	now func() time.Time
}

func Open(log *zap.Logger, dir string, now func() time.Time) (*Store, error) {
	options := badger.DefaultOptions(dir)
	options.Logger = badgerLogger{l: log}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Store{log: log, db: db, now: now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func deviceKey(id uuid.UUID) []byte {
	return append(append([]byte{}, keyPrefix...), id.String()...)
}

// MarkSeen upserts the record for a device, preserving its first-seen
// timestamp across replug cycles.
func (s *Store) MarkSeen(dev hiddev.Device) error {
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(dev.ID)
		var record SeenDevice
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device record: %w", err)
			}
		}
		record.ID = dev.ID
		record.Serial = dev.Serial
		record.Manufacturer = dev.Manufacturer
		record.Product = dev.Product
		record.VendorID = dev.VendorID
		record.ProductID = dev.ProductID
		record.UsagePage = dev.UsagePage
		if record.FirstSeenAt.IsZero() {
			record.FirstSeenAt = now
		}
		record.LastSeenAt = now
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal device record: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("failed to record device: %w", err)
	}
	return nil
}

// List returns all persisted records, including devices that are not
// currently plugged in.
func (s *Store) List() ([]SeenDevice, error) {
	var records []SeenDevice
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for iter.Seek(keyPrefix); iter.ValidForPrefix(keyPrefix); iter.Next() {
			var record SeenDevice
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list device records: %w", err)
	}
	return records, nil
}

func (s *Store) Get(id uuid.UUID) (SeenDevice, error) {
	var record SeenDevice
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUnknownDevice
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return SeenDevice{}, fmt.Errorf("failed to get device record: %w", err)
	}
	return record, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
