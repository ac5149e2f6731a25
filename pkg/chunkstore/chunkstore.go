// Package chunkstore implements folder.ChunkStorage over the local
// filesystem, one file per chunk named by its content hash and sharded
// into subdirectories by the hash's first two hex characters, with an
// in-memory LRU (hashicorp/golang-lru/v2) of recently read blocks in
// front of disk reads.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"foldersync/pkg/folder"

	lru "github.com/hashicorp/golang-lru/v2"
)

type blockKey struct {
	hash   folder.ChunkHash
	offset int64
}

// Store is a folder.ChunkStorage backed by one file per chunk under dir,
// plus an LRU of recently served blocks.
type Store struct {
	dir   string
	cache *lru.Cache[blockKey, []byte]
	added chan folder.ChunkHash

	mu     sync.Mutex
	exists map[folder.ChunkHash]bool
}

// Open prepares a chunk store rooted at dir, creating it if necessary.
// cacheBlocks bounds the number of recently read blocks kept in memory.
func Open(dir string, cacheBlocks int) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	cache, err := lru.New[blockKey, []byte](cacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	s := &Store{
		dir:    dir,
		cache:  cache,
		added:  make(chan folder.ChunkHash, 64),
		exists: make(map[folder.ChunkHash]bool),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list chunk dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		shard, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("list chunk shard: %w", err)
		}
		for _, f := range shard {
			if f.IsDir() {
				continue
			}
			if h, ok := decodeChunkName(f.Name()); ok {
				s.exists[h] = true
			}
		}
	}
	return s, nil
}

func (s *Store) chunkPath(hash folder.ChunkHash) string {
	name := hex.EncodeToString(hash[:])
	return filepath.Join(s.dir, name[:2], name)
}

func decodeChunkName(name string) (folder.ChunkHash, bool) {
	raw, err := hex.DecodeString(name)
	if err != nil || len(raw) != sha256.Size {
		return folder.ChunkHash{}, false
	}
	var h folder.ChunkHash
	copy(h[:], raw)
	return h, true
}

// MakeBitfield reports, for each chunk listed in meta, whether this store
// already holds it in verified form.
func (s *Store) MakeBitfield(meta folder.Meta) (folder.Bitfield, error) {
	bf := folder.NewBitfield(len(meta.Chunks))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range meta.Chunks {
		if s.exists[c.Hash] {
			bf.Set(i)
		}
	}
	return bf, nil
}

// PutChunk writes data to disk under its content hash. Callers are
// expected to have already verified data hashes to hash (Downloader does
// this before ever calling PutChunk); this method does not re-verify.
func (s *Store) PutChunk(hash folder.ChunkHash, data []byte) error {
	path := s.chunkPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create chunk subdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize chunk: %w", err)
	}

	s.mu.Lock()
	alreadyHad := s.exists[hash]
	s.exists[hash] = true
	s.mu.Unlock()

	if alreadyHad {
		return nil
	}
	s.added <- hash
	return nil
}

// ReadBlock returns the bytes of chunk hash at [offset, offset+size), or
// ok=false if the chunk is not present.
func (s *Store) ReadBlock(hash folder.ChunkHash, offset, size int64) ([]byte, bool, error) {
	key := blockKey{hash: hash, offset: offset}
	if cached, ok := s.cache.Get(key); ok && int64(len(cached)) == size {
		return cached, true, nil
	}

	s.mu.Lock()
	present := s.exists[hash]
	s.mu.Unlock()
	if !present {
		return nil, false, nil
	}

	f, err := os.Open(s.chunkPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false, fmt.Errorf("read chunk block: %w", err)
	}
	s.cache.Add(key, buf)
	return buf, true, nil
}

func (s *Store) ChunkAdded() <-chan folder.ChunkHash { return s.added }
