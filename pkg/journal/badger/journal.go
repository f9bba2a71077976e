package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/tallyd/pkg/journal"
)

// Key Namespace Design
// ====================
//
// Data Type        Prefix  Key Format                  Value
// =============================================================
// Entries          "j:"    j:<seq>                     Entry (JSON)
// Entity index     "e:"    e:<entityID>:<seq>          empty
//
// All integers are 8-byte big-endian so lexicographic key order equals
// numeric order. A transfer writes one entry and two index keys (origin and
// destination); every other operation writes one entry and one index key.
const (
	prefixEntry = "j:"
	prefixIndex = "e:"
)

// Config configures the in-memory BadgerDB journal.
type Config struct {
	// Retention expires entries after the given duration. 0 keeps them for
	// the lifetime of the process.
	Retention time.Duration `mapstructure:"retention"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 16)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 8)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// Journal is a journal.Journal backed by an in-memory BadgerDB instance.
//
// Nothing is written to disk: the journal lives and dies with the process.
//
// Thread safety:
// Safe for concurrent use; BadgerDB serializes conflicting transactions.
type Journal struct {
	db        *badger.DB
	retention time.Duration
}

var _ journal.Journal = (*Journal)(nil)

// New opens an in-memory BadgerDB journal.
//
// Parameters:
//   - ctx: Checked before opening the database
//   - config: Retention and cache sizes; zero values get defaults
//
// Returns:
//   - *Journal: Ready for use
//   - error: If the context is cancelled or BadgerDB fails to open
func New(ctx context.Context, config Config) (*Journal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.Retention < 0 {
		return nil, fmt.Errorf("invalid retention %v: must be >= 0", config.Retention)
	}

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 16
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 8
	}

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}

	return &Journal{db: db, retention: config.Retention}, nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], seq)
	return key
}

func indexPrefix(id uint64) []byte {
	prefix := make([]byte, len(prefixIndex)+8+1)
	copy(prefix, prefixIndex)
	binary.BigEndian.PutUint64(prefix[len(prefixIndex):], id)
	prefix[len(prefix)-1] = ':'
	return prefix
}

func indexKey(id, seq uint64) []byte {
	prefix := indexPrefix(id)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func (j *Journal) newEntry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if j.retention > 0 {
		e = e.WithTTL(j.retention)
	}
	return e
}

// Append stores the entry and its index keys in a single transaction.
func (j *Journal) Append(ctx context.Context, entry journal.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry %d: %w", entry.Seq, err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(j.newEntry(entryKey(entry.Seq), value)); err != nil {
			return err
		}
		if err := txn.SetEntry(j.newEntry(indexKey(entry.From, entry.Seq), []byte{})); err != nil {
			return err
		}
		if entry.To != 0 && entry.To != entry.From {
			if err := txn.SetEntry(j.newEntry(indexKey(entry.To, entry.Seq), []byte{})); err != nil {
				return err
			}
		}
		return nil
	})
}

// History walks the entity index backwards to collect the newest limit
// sequence numbers, then loads the entries in ascending order.
func (j *Journal) History(ctx context.Context, id uint64, limit int) ([]journal.Entry, error) {
	var entries []journal.Entry

	err := j.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(id)

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must start past the last possible key of the prefix
		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

		var seqs []uint64
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			seqs = append(seqs, binary.BigEndian.Uint64(key[len(prefix):]))
			if limit > 0 && len(seqs) >= limit {
				break
			}
		}

		entries = make([]journal.Entry, 0, len(seqs))
		for i := len(seqs) - 1; i >= 0; i-- {
			item, err := txn.Get(entryKey(seqs[i]))
			if err == badger.ErrKeyNotFound {
				// Expired between the index scan and the lookup
				continue
			}
			if err != nil {
				return err
			}

			var entry journal.Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("failed to decode journal entry %d: %w", seqs[i], err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Close closes the underlying database, discarding all entries.
func (j *Journal) Close() error {
	return j.db.Close()
}
