// Package metastore implements folder.MetaStorage over a BoltDB file, one
// bucket per folder, keyed by path hash and holding the gob-encoded
// SignedMeta for that path's latest known revision, with a buffered
// change-notification channel (MetaAdded) alongside the Put/Get API.
package metastore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"foldersync/pkg/folder"

	bolt "go.etcd.io/bbolt"
)

var bucketMeta = []byte("meta")

// Store is a folder.MetaStorage backed by a single BoltDB file.
type Store struct {
	db        *bolt.DB
	added     chan folder.SignedMeta
	folderID  folder.FolderId
}

// Open opens (creating if necessary) the metadata database at path for the
// given folder.
func Open(path string, folderID folder.FolderId) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta bucket: %w", err)
	}
	return &Store{
		db:       db,
		added:    make(chan folder.SignedMeta, 64),
		folderID: folderID,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetMeta returns every SignedMeta currently stored, in no particular
// order; FolderGroup's startup replay is responsible for deciding what to
// do with each.
func (s *Store) GetMeta() ([]folder.SignedMeta, error) {
	var out []folder.SignedMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.ForEach(func(k, v []byte) error {
			var sm folder.SignedMeta
			if err := gobDecode(v, &sm); err != nil {
				return fmt.Errorf("decode meta for key %x: %w", k, err)
			}
			out = append(out, sm)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores smeta, overwriting whatever was stored for its path hash.
// Callers (MetaDownloader, and the folder's own indexer) are responsible
// for only calling Put with a meta that is at least as new as what's
// there; Put itself does not compare revisions.
func (s *Store) Put(smeta folder.SignedMeta) error {
	data, err := gobEncode(smeta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put(smeta.Meta.PathHash[:], data)
	})
	if err != nil {
		return err
	}
	s.added <- smeta
	return nil
}

// Get returns the currently stored SignedMeta for a path hash, if any.
func (s *Store) Get(pathHash folder.PathHash) (folder.SignedMeta, bool, error) {
	var sm folder.SignedMeta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(pathHash[:])
		if v == nil {
			return nil
		}
		found = true
		return gobDecode(v, &sm)
	})
	return sm, found, err
}

func (s *Store) MetaAdded() <-chan folder.SignedMeta { return s.added }

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
