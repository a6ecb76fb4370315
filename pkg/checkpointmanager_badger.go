package hlogkv

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCheckpointManager stores checkpoint manifests as values in an
// embedded Badger LSM tree, keyed by token. It exists alongside
// LocalFSCheckpointManager for deployments that already run Badger for
// other state and would rather not manage a second directory of loose
// files; functionally the two are interchangeable.
type BadgerCheckpointManager struct {
	db *badger.DB
}

var badgerOrderKey = []byte("\x00hlogkv:checkpoint-order")

func NewBadgerCheckpointManager(dir string) (*BadgerCheckpointManager, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("hlogkv: open badger checkpoint store: %w", err)
	}
	return &BadgerCheckpointManager{db: db}, nil
}

func (m *BadgerCheckpointManager) Close() error { return m.db.Close() }

func (m *BadgerCheckpointManager) CommitMetadata(token string, data []byte) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(token), data); err != nil {
			return err
		}
		order, err := readOrder(txn)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		order = append(order, token)
		return txn.Set(badgerOrderKey, encodeOrder(order))
	})
}

func (m *BadgerCheckpointManager) GetMetadata(token string) ([]byte, error) {
	var out []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(token))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out = append(out, v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("hlogkv: badger get checkpoint %s: %w", token, err)
	}
	return out, nil
}

func (m *BadgerCheckpointManager) ListCheckpoints() ([]string, error) {
	var order []string
	err := m.db.View(func(txn *badger.Txn) error {
		o, err := readOrder(txn)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return order, err
}

func (m *BadgerCheckpointManager) Latest() (string, error) {
	order, err := m.ListCheckpoints()
	if err != nil {
		return "", err
	}
	if len(order) == 0 {
		return "", fmt.Errorf("hlogkv: no checkpoints committed")
	}
	return order[len(order)-1], nil
}

func readOrder(txn *badger.Txn) ([]string, error) {
	item, err := txn.Get(badgerOrderKey)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var raw []byte
	if err := item.Value(func(v []byte) error {
		raw = append(raw, v...)
		return nil
	}); err != nil {
		return nil, err
	}
	return decodeOrder(raw), nil
}

// encodeOrder/decodeOrder use a trivial length-prefixed encoding rather than
// gob here: this is an internal bookkeeping key, not a user-facing format,
// and avoids a second encoder round trip on every commit.
func encodeOrder(tokens []string) []byte {
	var buf []byte
	for _, t := range tokens {
		b := []byte(t)
		n := len(b)
		buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		buf = append(buf, b...)
	}
	return buf
}

func decodeOrder(buf []byte) []string {
	var out []string
	for len(buf) >= 4 {
		n := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16 | int(buf[3])<<24
		buf = buf[4:]
		if n > len(buf) {
			break
		}
		out = append(out, string(buf[:n]))
		buf = buf[n:]
	}
	return out
}
