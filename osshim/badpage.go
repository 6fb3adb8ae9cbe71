package osshim

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	cperBucket    = []byte("cper")
	badPageBucket = []byte("bad_page")
)

// BoltStore is the reference bad-page/EEPROM persistence hook
// (add/load/save) and the CPER ring's durable mirror, both backed by a
// single embedded go.etcd.io/bbolt file — the natural stand-in for the
// EEPROM the real driver reaches over I2C, matching the durability the
// teacher's migration package gives a live-migrated VM's state.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt file at path and ensures
// its buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("osshim: open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(cperBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(badPageBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("osshim: init bolt buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PersistCPER satisfies ras/cper.Mirror: it stores the marshaled record
// under its ring write-pointer so a restart can recover CPER history.
func (s *BoltStore) PersistCPER(wptr uint64, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cperBucket).Put(keyOf(wptr), data)
	})
}

// LoadCPERs returns every persisted CPER record in a map keyed by write
// pointer (a map, so it carries no order), for recovering ring history
// across a restart.
func (s *BoltStore) LoadCPERs() (map[uint64][]byte, error) {
	out := make(map[uint64][]byte)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(cperBucket).ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[keyToUint64(k)] = cp

			return nil
		})
	})

	return out, err
}

// AddBadPage records one retired-page address, mirroring
// amdgv_ras_eeprom_append_table's add/save step.
func (s *BoltStore) AddBadPage(addr uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(badPageBucket).Put(keyOf(addr), []byte{1})
	})
}

// BadPageCount reports how many addresses the EEPROM-equivalent currently
// holds (the count the RAS recovery policy compares against the
// configured threshold).
func (s *BoltStore) BadPageCount() (int, error) {
	n := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(badPageBucket).ForEach(func(k, v []byte) error {
			n++

			return nil
		})
	})

	return n, err
}

// ClearBadPages drops every retired-page record (ras_eeprom_clear).
func (s *BoltStore) ClearBadPages() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(badPageBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(badPageBucket)

		return err
	})
}

func keyOf(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func keyToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
