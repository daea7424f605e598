// Package badgerstore persists the placeholder records of
// a cloudfilter.Store into a badger database.
//
//	backend, err := badgerstore.Open(dir)
//	store, err := cloudfilter.NewStore(cloudfilter.WithBackend(backend))
package badgerstore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/log"
)

// Backend implements cloudfilter.Backend.
type Backend struct {
	db  *badger.DB
	log log.Log
}

var _ cloudfilter.Backend = (*Backend)(nil)

type option struct {
	log        log.Log
	syncWrites bool
}

// Option tunes the database.
type Option func(*option)

// Logger routes the logs of badger into l, badger is
// silenced otherwise.
func Logger(l log.Log) Option {
	return func(o *option) {
		o.log = l
	}
}

// SyncWrites makes every write durable before it returns.
func SyncWrites() Option {
	return func(o *option) {
		o.syncWrites = true
	}
}

// badgerLogger adapts log.Log into badger.Logger.
type badgerLogger struct {
	log log.Log
}

func (l badgerLogger) logf(topics log.Topics, format string, args ...any) {
	if !l.log.Enabled(topics) {
		return
	}
	l.log.Log(topics, "badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logf(log.TopicError, format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logf(log.TopicError, format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logf(log.TopicTrace, format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logf(log.TopicTrace, format, args...)
}

func open(opts badger.Options, options []Option) (*Backend, error) {
	option := &option{}
	for _, opt := range options {
		opt(option)
	}
	l := log.OrNoLog(option.log)
	opts = opts.WithLogger(badgerLogger{log: l}).
		WithSyncWrites(option.syncWrites)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	b := &Backend{db: db, log: l}
	if err := b.checkSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Open opens or creates the database in the directory.
func Open(dir string, opts ...Option) (*Backend, error) {
	return open(badger.DefaultOptions(dir), opts)
}

// OpenInMemory creates a database that is never written to
// the disk.
func OpenInMemory(opts ...Option) (*Backend, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), opts)
}

// checkSchema stamps a new database with the schema version,
// and refuses a database of another version.
func (b *Backend) checkSchema() error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchema))
		if err == badger.ErrKeyNotFound {
			data, err := encMode.Marshal(uint(schemaVersion))
			if err != nil {
				return err
			}
			return txn.Set([]byte(keySchema), data)
		}
		if err != nil {
			return errors.Wrap(err, "read schema")
		}
		return item.Value(func(val []byte) error {
			var version uint
			if err := decMode.Unmarshal(val, &version); err != nil {
				return errors.Wrap(err, "decode schema")
			}
			if version != schemaVersion {
				return errors.Errorf(
					"placeholder schema %d, expected %d",
					version, schemaVersion)
			}
			return nil
		})
	})
}

// Save implements cloudfilter.Backend.
func (b *Backend) Save(p *cloudfilter.Placeholder) error {
	data, err := encodePlaceholder(p)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyPlaceholder(p.ID), data)
	})
}

// Delete implements cloudfilter.Backend.
func (b *Backend) Delete(id cloudfilter.FileID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(keyPlaceholder(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Get loads a single record.
func (b *Backend) Get(id cloudfilter.FileID) (*cloudfilter.Placeholder, error) {
	var result *cloudfilter.Placeholder
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPlaceholder(id))
		if err == badger.ErrKeyNotFound {
			return errors.Wrapf(cloudfilter.ErrNotAPlaceholder,
				"placeholder %d", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			result, err = decodePlaceholder(val)
			return err
		})
	})
	return result, err
}

// List implements cloudfilter.Backend, the records are
// listed by file id.
func (b *Backend) List() ([]*cloudfilter.Placeholder, error) {
	var result []*cloudfilter.Placeholder
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPlaceholder)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				p, err := decodePlaceholder(val)
				if err != nil {
					return err
				}
				if !bytes.Equal(item.Key(), keyPlaceholder(p.ID)) {
					return errors.Errorf("record %x holds placeholder %d",
						item.Key(), p.ID)
				}
				result = append(result, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list placeholders")
	}
	b.log.Logf(log.TopicTrace, "loaded %d placeholder records", len(result))
	return result, nil
}

// Close implements cloudfilter.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
