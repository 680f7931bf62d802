// Package state persists the client side of a conversation in bbolt:
// messages written locally that the server has not confirmed yet, and the
// cursor of the last history load.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var cursorKey = []byte("cursor")

func convLocalBucket(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":local")
}

func convMetaBucket(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":meta")
}

// Cursor records the outcome of the last history load for a
// conversation.
type Cursor struct {
	Total       int       `json:"total"`
	MaxSequence int64     `json:"max_sequence"`
	LoadedAt    time.Time `json:"loaded_at"`
	Partial     bool      `json:"partial"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory, where the
		// database could land inside a source tree.
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}

// PutLocalMessage buffers msg for conversationID. A message already
// buffered under the same ID is replaced in place and keeps its position;
// new messages go after everything buffered so far.
func (s *State) PutLocalMessage(conversationID string, msg models.Message) error {
	if conversationID == "" {
		return chaterrors.ErrConversationRequired
	}

	if msg.ID == "" {
		return chaterrors.ErrMessageIDRequired
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(convLocalBucket(conversationID))
		if err != nil {
			return err
		}

		key, err := findLocalKey(b, msg.ID)
		if err != nil {
			return err
		}

		if key == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			key = orderKey(seq)
		}

		return b.Put(key, data)
	})
}

// LocalMessages returns the buffered messages of conversationID in the
// order they were first buffered. The result is never nil.
func (s *State) LocalMessages(conversationID string) ([]models.Message, error) {
	msgs := []models.Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convLocalBucket(conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding buffered message %x: %w", k, err)
			}

			msgs = append(msgs, m)

			return nil
		})
	})

	return msgs, err
}

// LocalMessage returns one buffered message, or nil if not buffered.
func (s *State) LocalMessage(conversationID, id string) (*models.Message, error) {
	var msg *models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convLocalBucket(conversationID))
		if b == nil {
			return nil
		}

		key, err := findLocalKey(b, id)
		if err != nil || key == nil {
			return err
		}

		msg = &models.Message{}

		return json.Unmarshal(b.Get(key), msg)
	})

	return msg, err
}

// DeleteLocalMessages drops the given IDs from the buffer and reports
// how many were present.
func (s *State) DeleteLocalMessages(conversationID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(convLocalBucket(conversationID))
		if b == nil {
			return nil
		}

		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			id, err := messageID(v)
			if err != nil {
				return err
			}

			if _, ok := drop[id]; ok {
				keys = append(keys, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(keys)

		return nil
	})

	return removed, err
}

// GetCursor returns the last load cursor, or the zero Cursor if the
// conversation was never loaded.
func (s *State) GetCursor(conversationID string) (Cursor, error) {
	var c Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(convMetaBucket(conversationID))
		if b == nil {
			return nil
		}

		v := b.Get(cursorKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &c)
	})

	return c, err
}

// SetCursor updates the load cursor for a conversation.
func (s *State) SetCursor(conversationID string, c Cursor) error {
	if conversationID == "" {
		return chaterrors.ErrConversationRequired
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(convMetaBucket(conversationID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put(cursorKey, data)
	})
}

// ClearConversation removes every bucket belonging to conversationID.
func (s *State) ClearConversation(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{convLocalBucket(conversationID), convMetaBucket(conversationID)} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}

		return nil
	})
}

// orderKey encodes a bucket sequence big-endian so cursor order is
// insertion order.
func orderKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// findLocalKey scans the buffer for id. Buffers only hold unconfirmed
// messages, so a scan stays short.
func findLocalKey(b *bolt.Bucket, id string) ([]byte, error) {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		got, err := messageID(v)
		if err != nil {
			return nil, err
		}

		if got == id {
			return append([]byte(nil), k...), nil
		}
	}

	return nil, nil
}

// messageID peeks at a stored message's id without decoding the rest.
func messageID(v []byte) (string, error) {
	if !gjson.ValidBytes(v) {
		return "", errors.New("decoding buffered message: invalid JSON")
	}

	return gjson.GetBytes(v, "id").Str, nil
}
