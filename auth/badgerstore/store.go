// Package badgerstore persists FTP user accounts in a BadgerDB database.
//
// Records are stored as JSON under "user:<name>". Clear-text passwords are
// hashed before they reach the database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/gonzalop/ftpd/auth"
)

const keyPrefix = "user:"

// Config configures the store. It is decoded from the user_store.badger
// section of the configuration file.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the database in memory, mostly useful for tests.
	InMemory bool `mapstructure:"in_memory"`
}

// Store is an auth.UserRepository backed by BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger user store: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func userKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// Put validates rec, hashes its password and stores it, replacing any
// existing record of the same name.
func (s *Store) Put(ctx context.Context, rec auth.UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := rec.Build(); err != nil {
		return err
	}
	hashed, err := rec.Hashed()
	if err != nil {
		return err
	}
	if auth.IsAnonymousName(hashed.Name) {
		hashed.Name = auth.AnonymousName
	}
	data, err := json.Marshal(hashed)
	if err != nil {
		return fmt.Errorf("failed to encode user %q: %w", rec.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(hashed.Name), data)
	})
}

// Delete removes a user. Deleting an unknown user returns auth.ErrUserNotFound.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(userKey(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return auth.ErrUserNotFound
			}
			return err
		}
		return txn.Delete(userKey(name))
	})
}

// Record returns the stored record for name.
func (s *Store) Record(ctx context.Context, name string) (auth.UserRecord, error) {
	var rec auth.UserRecord
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return auth.ErrUserNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// FindUserByName implements auth.UserRepository.
func (s *Store) FindUserByName(ctx context.Context, name string) (*auth.User, error) {
	rec, err := s.Record(ctx, name)
	if err != nil {
		return nil, err
	}
	u, err := rec.Build()
	if err != nil {
		return nil, fmt.Errorf("stored user %q is invalid: %w", name, err)
	}
	return u, nil
}

// Names lists all stored user names in key order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return names, err
}
