package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var streamsBucket = []byte("streams")

// bboltMetadata stores MetaRecords in a single bbolt bucket keyed by stream
// path. bbolt transactions give the atomic commit the append path relies on.
type bboltMetadata struct {
	db *bolt.DB
}

var _ MetadataStore = (*bboltMetadata)(nil)

// OpenBoltMetadata opens (creating if needed) a bbolt metadata database.
func OpenBoltMetadata(path string) (MetadataStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt metadata %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams bucket: %w", err)
	}
	return &bboltMetadata{db: db}, nil
}

func (b *bboltMetadata) Put(path string, rec *MetaRecord) error {
	data, err := encodeMetaRecord(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(path), data)
	})
}

func (b *bboltMetadata) Get(path string) (*MetaRecord, error) {
	var rec *MetaRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(streamsBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var err error
		rec, err = decodeMetaRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *bboltMetadata) Delete(path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).Delete([]byte(path))
	})
}

func (b *bboltMetadata) ForEach(fn func(path string, rec *MetaRecord) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeMetaRecord(v)
			if err != nil {
				return fmt.Errorf("stream %s: %w", k, err)
			}
			return fn(string(k), rec)
		})
	})
}

func (b *bboltMetadata) Close() error {
	return b.db.Close()
}
