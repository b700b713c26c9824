package dedup

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
)

var keyPrefix = []byte("p:")

type record struct {
	MarkedAt time.Time `msgpack:"marked_at"`
}

// LevelDB persists the ledger on local disk so restarts do not repost.
type LevelDB struct {
	db     *leveldb.DB
	logger zerolog.Logger
}

// OpenLevelDB opens or creates the ledger at path.
func OpenLevelDB(path string, logger zerolog.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open dedup ledger %s: %w", path, err)
	}
	return &LevelDB{db: db, logger: logger.With().Str("component", "dedup_ledger").Logger()}, nil
}

func dbKey(key string) []byte {
	return append(append([]byte{}, keyPrefix...), key...)
}

func (l *LevelDB) Seen(key string) (bool, error) {
	ok, err := l.db.Has(dbKey(key), nil)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return ok, nil
}

func (l *LevelDB) Mark(key string, at time.Time) error {
	b, err := msgpack.Marshal(record{MarkedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("encode dedup record: %w", err)
	}
	if err := l.db.Put(dbKey(key), b, nil); err != nil {
		return fmt.Errorf("dedup write: %w", err)
	}
	return nil
}

// Prune forgets keys marked before cutoff and returns how many were removed.
// Undecodable records are removed too.
func (l *LevelDB) Prune(cutoff time.Time) (int, error) {
	it := l.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		var rec record
		if err := msgpack.Unmarshal(it.Value(), &rec); err == nil && !rec.MarkedAt.Before(cutoff) {
			continue
		}
		batch.Delete(bytes.Clone(it.Key()))
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("dedup scan: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("dedup prune: %w", err)
	}
	l.logger.Info().Int("removed", batch.Len()).Time("cutoff", cutoff).Msg("dedup ledger pruned")
	return batch.Len(), nil
}

// Len counts stored keys.
func (l *LevelDB) Len() (int, error) {
	it := l.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

var _ Ledger = (*LevelDB)(nil)
