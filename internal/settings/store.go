// Package settings implements the versioned persistent settings store.
//
// The whole device configuration lives in one Data record kept in memory and
// mirrored field-by-field into a bbolt bucket under fixed short keys. On a
// version mismatch the store is erased and reset to defaults; there is no
// field-level migration.
package settings

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"lox-agent/internal/errlog"
)

var (
	bucketSettings = []byte("settings")
	versionKey     = []byte("VERS")
)

// ErrUnknownField is returned when a field name has no entry in the field
// table.
var ErrUnknownField = errors.New("unknown settings field")

// ErrCorrupted is returned when a stored blob exists but no longer decodes
// into the current field layout. This is treated as data corruption, never
// silently skipped: it means the record shape changed without a DataVersion
// bump.
var ErrCorrupted = errors.New("settings blob corrupted")

// Store owns the persistent settings record. The in-memory copy is guarded
// by a mutex; all reads and writes go through View/Update so the
// one-writer-at-a-time-per-field discipline holds regardless of which task
// (boot, cloud worker, portal handler) touches it.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	mu   sync.Mutex
	data Data
}

// Open opens (or creates) the store at path and loads the record. If the
// stored DataVersion differs from the compiled-in one, every key is erased,
// the record is reset to defaults and written back under the new version.
// Individual blob failures during load are recorded in the error log and do
// not fail Open; only an unusable database does.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "settings")}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}

	stored, ok := s.readVersion()
	if !ok || stored != DataVersion {
		s.logger.Info("settings version mismatch, resetting to defaults",
			"stored", fmt.Sprintf("0x%X", stored), "expected", fmt.Sprintf("0x%X", DataVersion))
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}

	s.mu.Lock()
	s.data.DataVersion = stored
	s.mu.Unlock()

	if err := s.LoadAll(); err != nil {
		// Partial load failure is survivable: affected fields keep their
		// zero values and the fault is in the error log.
		s.logger.Error("settings load", "err", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View calls fn with the current record while holding the store lock. The
// pointer must not escape fn.
func (s *Store) View(fn func(*Data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Update calls fn with the record held for writing. It does not persist;
// follow with StoreField for each changed field.
func (s *Store) Update(fn func(*Data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// StoreField persists exactly one named field.
func (s *Store) StoreField(name string) error {
	f, ok := lookupField(name)
	if !ok {
		return fmt.Errorf("store %q: %w", name, ErrUnknownField)
	}
	if err := s.storeOne(f); err != nil {
		s.recordStorageFault()
		return err
	}
	return nil
}

// LoadField loads exactly one named field into the in-memory record.
func (s *Store) LoadField(name string) error {
	f, ok := lookupField(name)
	if !ok {
		return fmt.Errorf("load %q: %w", name, ErrUnknownField)
	}
	if err := s.loadOne(f); err != nil {
		s.recordStorageFault()
		return err
	}
	return nil
}

// StoreAll persists every registered field. A failing field is reported but
// does not stop the pass.
func (s *Store) StoreAll() error {
	var errs []error
	for _, f := range fieldTable {
		if err := s.storeOne(f); err != nil {
			s.logger.Error("settings store field", "field", f.name, "err", err)
			errs = append(errs, err)
		}
	}
	if errs != nil {
		s.recordStorageFault()
		return fmt.Errorf("store all: %w", errors.Join(errs...))
	}
	return nil
}

// LoadAll loads every registered field. A failing field is reported but does
// not stop the pass; the in-memory value for that field is left unchanged.
func (s *Store) LoadAll() error {
	var errs []error
	for _, f := range fieldTable {
		if err := s.loadOne(f); err != nil {
			s.logger.Error("settings load field", "field", f.name, "err", err)
			errs = append(errs, err)
		}
	}
	if errs != nil {
		s.recordStorageFault()
		return fmt.Errorf("load all: %w", errors.Join(errs...))
	}
	return nil
}

// FactoryReset erases every stored key, version included. It does not reset
// the in-memory record; callers that keep running must follow with
// ResetData and StoreAll.
func (s *Store) FactoryReset() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketSettings); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketSettings)
		return err
	})
	if err != nil {
		s.recordStorageFault()
		return fmt.Errorf("factory reset: %w", err)
	}
	return nil
}

// ResetData overwrites the in-memory record with defaults.
func (s *Store) ResetData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	resetData(&s.data)
}

// RecordError pushes a code into the persisted error log. Persist failures
// here are logged only, to avoid recursing into the log.
func (s *Store) RecordError(code errlog.Code) {
	var changed bool
	s.Update(func(d *Data) {
		changed = d.ErrorLog.Push(code)
	})
	if !changed {
		return
	}
	f, _ := lookupField(FieldErrorLog)
	if err := s.storeOne(f); err != nil {
		s.logger.Error("error log sync", "err", err)
	}
}

// migrate performs the erase-and-reset version migration.
func (s *Store) migrate() error {
	if err := s.FactoryReset(); err != nil {
		return err
	}
	s.ResetData()
	if err := s.StoreAll(); err != nil {
		return err
	}
	if err := s.writeVersion(DataVersion); err != nil {
		return fmt.Errorf("write settings version: %w", err)
	}
	return nil
}

func (s *Store) readVersion() (uint32, bool) {
	var (
		v  uint32
		ok bool
	)
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get(versionKey)
		if len(raw) == 4 {
			v = binary.BigEndian.Uint32(raw)
			ok = true
		}
		return nil
	})
	return v, ok
}

func (s *Store) writeVersion(v uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(versionKey, raw[:])
	})
}

func (s *Store) storeOne(f fieldDef) error {
	s.mu.Lock()
	blob, err := json.Marshal(f.ptr(&s.data))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode %q: %w", f.name, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(f.key), blob)
	})
	if err != nil {
		return fmt.Errorf("store %q: %w", f.name, err)
	}
	return nil
}

func (s *Store) loadOne(f fieldDef) error {
	var blob []byte
	s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSettings).Get([]byte(f.key)); raw != nil {
			blob = append(blob, raw...)
		}
		return nil
	})
	if blob == nil {
		// A registered field with no blob under a matching version means
		// the layout changed without a version bump.
		return fmt.Errorf("load %q: key %s missing: %w", f.name, f.key, ErrCorrupted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f.ptr(&s.data)); err != nil {
		return fmt.Errorf("load %q: %v: %w", f.name, err, ErrCorrupted)
	}
	return nil
}

func (s *Store) recordStorageFault() {
	var changed bool
	s.Update(func(d *Data) {
		changed = d.ErrorLog.Push(errlog.CodeNVSCommunication)
	})
	if changed {
		if f, ok := lookupField(FieldErrorLog); ok {
			if err := s.storeOne(f); err != nil {
				s.logger.Error("error log sync", "err", err)
			}
		}
	}
}
