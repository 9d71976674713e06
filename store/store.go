// Package store persists finished spectrogram results in badger, keyed by the recording
// file identity and the computation settings.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	xxhash "github.com/OneOfOne/xxhash"
	"github.com/RyanBlaney/sonido-eeg/logging"
	"github.com/RyanBlaney/sonido-eeg/spectrogram"
	"github.com/dgraph-io/badger/v3"
)

// ErrNotFound is returned by Get on a miss.
var ErrNotFound = errors.New("store: result not found")

var keyPrefix = []byte("spec/")

// Options configures a Store.
type Options struct {
	Dir      string        // badger directory, ignored in memory
	InMemory bool          // keep everything in memory
	TTL      time.Duration // entry lifetime; 0 keeps entries forever
}

// Entry is one stored montage result.
type Entry struct {
	Params       spectrogram.Params `json:"params"`
	Group        string             `json:"group"`
	Payload      []byte             `json:"payload"` // serialized nfreqs x nblocks matrix
	ChangePoints []float64          `json:"change_points"`
	Summed       []float64          `json:"summed_signal"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Store is a badger-backed result cache. It is safe for concurrent use.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger logging.Logger
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	logger := logging.WithFields(logging.Fields{"component": "result_store"})

	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(logging.BadgerAdapter{Logger: logger}).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").
			WithInMemory(true).
			WithLogger(logging.BadgerAdapter{Logger: logger})
	} else if opts.Dir == "" {
		return nil, errors.New("store: directory required unless in memory")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}

	logger.Info("Result store opened", logging.Fields{
		"dir":       opts.Dir,
		"in_memory": opts.InMemory,
		"ttl":       opts.TTL.String(),
	})
	return &Store{db: db, ttl: opts.TTL, logger: logger}, nil
}

// Key identifies a result by file identity and computation settings.
func Key(path string, size int64, modTime time.Time, p spectrogram.Params, group string) []byte {
	buf := make([]byte, 0, len(path)+96)
	buf = append(buf, path...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, size, 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, modTime.UnixNano(), 10)
	buf = append(buf, '|')
	buf = strconv.AppendFloat(buf, p.Duration, 'g', -1, 64)
	buf = append(buf, '|')
	buf = append(buf, group...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(p.FFTLength), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(p.Hop), 10)

	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], xxhash.Checksum64(buf))
	return key
}

// FileKey stats path and returns its Key.
func FileKey(path string, p spectrogram.Params, group string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}
	return Key(path, info.Size(), info.ModTime(), p, group), nil
}

// Get returns the entry stored under key or ErrNotFound.
func (s *Store) Get(key []byte) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put stores entry under key, expiring it after the store TTL if one is set.
func (s *Store) Put(key []byte, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: encode entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}

	s.logger.Debug("Stored result", logging.Fields{
		"file":  entry.Params.Filename,
		"group": entry.Group,
		"bytes": len(val),
	})
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
