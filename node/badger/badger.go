package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/node"
	"github.com/projecteru2/anvil/types"
)

const keyPrefix = "node:"

// compile-time interface check.
var _ node.Store = (*Store)(nil)

// Store keeps node records in an embedded Badger database. Badger holds an
// exclusive directory lock, so a single orchestrator process owns it.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database under dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(16 << 20) //nolint:mnd
	return open(ctx, opts)
}

// OpenInMemory opens a throwaway database, used by tests and dry runs.
func OpenInMemory(ctx context.Context) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(ctx, opts)
}

func open(ctx context.Context, opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", opts.Dir, err)
	}
	log.WithFunc("node.badger.Open").Debugf(ctx, "node store opened at %q", opts.Dir)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nodeKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *Store) Load(_ context.Context, id string) (*types.Node, error) {
	var out types.Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return node.NotFound(id)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	out.Init()
	return &out, nil
}

func (s *Store) Save(_ context.Context, n *types.Node) error {
	if err := config.ValidateNodeID(n.ID); err != nil {
		return err
	}
	n.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", n.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(n.ID), data)
	})
}

func (s *Store) List(_ context.Context) ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var n types.Node
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &n)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", strings.TrimPrefix(string(item.Key()), keyPrefix), err)
			}
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return node.NotFound(id)
			}
			return err
		}
		return txn.Delete(nodeKey(id))
	})
}
