package codegen

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"pkt.systems/pslog"
)

// MemoDB persists memos across coordinator restarts so a restarted
// coordinator never regenerates a unit it already built.
type MemoDB struct {
	db *badger.DB
}

// OpenMemoDB opens (or creates) a badger database under dir. An empty dir
// opens an in-memory database.
func OpenMemoDB(dir string, logger pslog.Logger) (*MemoDB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("codegen: create memo directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithSyncWrites(true).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("codegen: open memo database: %w", err)
	}
	return &MemoDB{db: db}, nil
}

// Memo returns the memo stored under name.
func (m *MemoDB) Memo(name string) *BadgerMemo {
	return &BadgerMemo{db: m.db, prefix: []byte(name + "/")}
}

// Close flushes and closes the database.
func (m *MemoDB) Close() error {
	return m.db.Close()
}

// BadgerMemo is a Memo backed by one key prefix of a MemoDB.
type BadgerMemo struct {
	db     *badger.DB
	prefix []byte
}

func (b *BadgerMemo) key(k Key) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}

func (b *BadgerMemo) Contains(k Key) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.key(k))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("codegen: memo lookup %q: %w", k, err)
	}
	return true, nil
}

func (b *BadgerMemo) Add(k Key) (bool, error) {
	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(b.key(k))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(b.key(k), nil)
	})
	if err != nil {
		return false, fmt.Errorf("codegen: memo add %q: %w", k, err)
	}
	return added, nil
}

func (b *BadgerMemo) Remove(k Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(k))
	})
	if err != nil {
		return fmt.Errorf("codegen: memo remove %q: %w", k, err)
	}
	return nil
}

func (b *BadgerMemo) Keys() ([]Key, error) {
	var out []Key
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, Key(it.Item().Key()[len(b.prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codegen: memo scan: %w", err)
	}
	return out, nil
}

// badgerLogger forwards badger's internal logging to pslog.
type badgerLogger struct {
	logger pslog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("codegen.memo.badger", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("codegen.memo.badger", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("codegen.memo.badger", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace("codegen.memo.badger", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}
