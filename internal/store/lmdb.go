package store

import (
	"fmt"
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// lmdbMetadata is the LMDB-backed MetadataStore, selectable for deployments
// that prefer LMDB's mmap read path over bbolt.
type lmdbMetadata struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

var _ MetadataStore = (*lmdbMetadata)(nil)

const lmdbMapSize = 1 << 30 // 1 GiB; metadata records are small

// OpenLMDBMetadata opens (creating if needed) an LMDB metadata environment
// rooted at dir.
func OpenLMDBMetadata(dir string) (MetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lmdb dir %s: %w", dir, err)
	}
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("lmdb env: %w", err)
	}
	if err := env.SetMapSize(lmdbMapSize); err != nil {
		env.Close()
		return nil, fmt.Errorf("lmdb map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("lmdb max dbs: %w", err)
	}
	if err := env.Open(dir, 0, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("open lmdb %s: %w", dir, err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("streams", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open streams dbi: %w", err)
	}
	return &lmdbMetadata{env: env, dbi: dbi}, nil
}

func (l *lmdbMetadata) Put(path string, rec *MetaRecord) error {
	data, err := encodeMetaRecord(rec)
	if err != nil {
		return err
	}
	return l.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(l.dbi, []byte(path), data, 0)
	})
}

func (l *lmdbMetadata) Get(path string) (*MetaRecord, error) {
	var rec *MetaRecord
	err := l.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(l.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		rec, err = decodeMetaRecord(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *lmdbMetadata) Delete(path string) error {
	return l.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(l.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (l *lmdbMetadata) ForEach(fn func(path string, rec *MetaRecord) error) error {
	return l.env.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(l.dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			k, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			rec, err := decodeMetaRecord(v)
			if err != nil {
				return fmt.Errorf("stream %s: %w", k, err)
			}
			if err := fn(string(k), rec); err != nil {
				return err
			}
		}
	})
}

func (l *lmdbMetadata) Close() error {
	l.env.CloseDBI(l.dbi)
	return l.env.Close()
}
