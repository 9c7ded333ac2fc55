package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

// Key layout:
//
//	t/<thread>            thread record
//	c/<thread>            message sequence counter (uint64, big endian)
//	m/<thread>/<seq:020>  message, zero padded so lexical order is log order
//	w/<thread>            working memory
const (
	prefixThread  = "t/"
	prefixCounter = "c/"
	prefixMessage = "m/"
	prefixWorking = "w/"
)

// BadgerOptions configures the Badger storage.
type BadgerOptions struct {
	// Dir is the directory for data files. Required unless InMemory is set.
	Dir string
	// InMemory runs Badger without disk persistence.
	InMemory bool
	// Logger receives Badger's warnings and errors.
	Logger logging.Logger
}

// BadgerStorage is a Storage backed by BadgerDB v4 with msgpack encoded
// values.
type BadgerStorage struct {
	db *badger.DB
}

var _ Storage = (*BadgerStorage)(nil)

// NewBadgerStorage opens (or creates) a Badger database.
func NewBadgerStorage(optFns ...func(o *BadgerOptions)) (*BadgerStorage, error) {
	opts := BadgerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("memory: BadgerOptions.Dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStorage{db: db}, nil
}

func threadKey(id string) []byte  { return []byte(prefixThread + id) }
func counterKey(id string) []byte { return []byte(prefixCounter + id) }
func workingKey(id string) []byte { return []byte(prefixWorking + id) }
func messagePrefix(id string) []byte {
	return []byte(prefixMessage + id + "/")
}
func messageKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixMessage, id, seq))
}

func (s *BadgerStorage) getValue(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, out)
	})
}

func (s *BadgerStorage) setValue(txn *badger.Txn, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func requireThread(txn *badger.Txn, op, threadID string) error {
	_, err := txn.Get(threadKey(threadID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound(op, threadID)
	}
	return err
}

// CreateThread stores a new thread.
func (s *BadgerStorage) CreateThread(_ context.Context, thread Thread) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(threadKey(thread.ID))
		if err == nil {
			return &Error{Op: "create_thread", ThreadID: thread.ID, Code: CodeThreadExists}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.setValue(txn, threadKey(thread.ID), thread)
	})
	return wrap("create_thread", thread.ID, err)
}

// GetThread loads a thread.
func (s *BadgerStorage) GetThread(_ context.Context, threadID string) (Thread, error) {
	var t Thread
	err := s.db.View(func(txn *badger.Txn) error {
		return s.getValue(txn, threadKey(threadID), &t)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Thread{}, notFound("get_thread", threadID)
	}
	if err != nil {
		return Thread{}, storageFailure("get_thread", threadID, err)
	}
	return t, nil
}

// UpdateThread replaces the stored thread attributes.
func (s *BadgerStorage) UpdateThread(_ context.Context, thread Thread) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := requireThread(txn, "update_thread", thread.ID); err != nil {
			return err
		}
		return s.setValue(txn, threadKey(thread.ID), thread)
	})
	return wrap("update_thread", thread.ID, err)
}

// DeleteThread removes the thread, its messages and working memory.
func (s *BadgerStorage) DeleteThread(_ context.Context, threadID string) error {
	var msgKeys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireThread(txn, "delete_thread", threadID); err != nil {
			return err
		}
		prefix := messagePrefix(threadID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			msgKeys = append(msgKeys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return wrap("delete_thread", threadID, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range append(msgKeys, threadKey(threadID), counterKey(threadID), workingKey(threadID)) {
		if err := wb.Delete(k); err != nil {
			return storageFailure("delete_thread", threadID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageFailure("delete_thread", threadID, err)
	}
	return nil
}

// ListThreads returns matching threads ordered by creation time.
func (s *BadgerStorage) ListThreads(_ context.Context, filter ThreadFilter) ([]Thread, error) {
	var out []Thread
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixThread)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Thread
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &t)
			}); err != nil {
				return err
			}
			if filter.match(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageFailure("list_threads", "", err)
	}
	sortThreads(out)
	return out, nil
}

// AppendMessage assigns the next sequence number and writes msg.
func (s *BadgerStorage) AppendMessage(_ context.Context, threadID string, msg core.Message) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := requireThread(txn, "append_message", threadID); err != nil {
			return err
		}

		var seq uint64
		item, err := txn.Get(counterKey(threadID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := s.setValue(txn, messageKey(threadID, seq), msg); err != nil {
			return err
		}

		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, seq+1)
		return txn.Set(counterKey(threadID), next)
	})
	return wrap("append_message", threadID, err)
}

// Messages returns the thread's log in append order.
func (s *BadgerStorage) Messages(_ context.Context, threadID string) ([]core.Message, error) {
	var out []core.Message
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireThread(txn, "messages", threadID); err != nil {
			return err
		}

		prefix := messagePrefix(threadID)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m core.Message
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("messages", threadID, err)
	}
	if out == nil {
		out = []core.Message{}
	}
	return out, nil
}

// GetWorkingMemory loads the thread's working memory.
func (s *BadgerStorage) GetWorkingMemory(_ context.Context, threadID string) (*core.WorkingMemory, error) {
	wm := core.NewWorkingMemory()
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireThread(txn, "get_working_memory", threadID); err != nil {
			return err
		}
		err := s.getValue(txn, workingKey(threadID), wm)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, wrap("get_working_memory", threadID, err)
	}
	return wm, nil
}

// PutWorkingMemory replaces the thread's working memory.
func (s *BadgerStorage) PutWorkingMemory(_ context.Context, threadID string, wm *core.WorkingMemory) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := requireThread(txn, "put_working_memory", threadID); err != nil {
			return err
		}
		return s.setValue(txn, workingKey(threadID), wm)
	})
	return wrap("put_working_memory", threadID, err)
}

// Close closes the database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's log output into a logging.Logger, dropping
// info and debug chatter.
type badgerLogger struct {
	l logging.Logger
}

func (b badgerLogger) Errorf(f string, v ...any) {
	b.l.Error("memory.badger", "message", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (b badgerLogger) Warningf(f string, v ...any) {
	b.l.Warn("memory.badger", "message", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
