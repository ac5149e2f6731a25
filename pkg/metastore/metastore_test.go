package metastore

import (
	"path/filepath"
	"testing"

	"foldersync/pkg/folder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "meta.db"), folder.FolderId{0x1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := openTestStore(t)

	var smeta folder.SignedMeta
	smeta.Meta.PathHash = folder.PathHash{0xAB}
	smeta.Meta.Revision = 1

	require.NoError(t, s.Put(smeta))

	got, found, err := s.Get(smeta.Meta.PathHash)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, smeta.Meta.Revision, got.Meta.Revision)

	_, found, err = s.Get(folder.PathHash{0xFF})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetMetaReturnsEverything(t *testing.T) {
	s := openTestStore(t)

	for i := byte(0); i < 3; i++ {
		var smeta folder.SignedMeta
		smeta.Meta.PathHash = folder.PathHash{i}
		smeta.Meta.Revision = uint64(i)
		require.NoError(t, s.Put(smeta))
	}

	all, err := s.GetMeta()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMetaAddedFires(t *testing.T) {
	s := openTestStore(t)

	var smeta folder.SignedMeta
	smeta.Meta.PathHash = folder.PathHash{0x42}
	require.NoError(t, s.Put(smeta))

	select {
	case got := <-s.MetaAdded():
		assert.Equal(t, smeta.Meta.PathHash, got.Meta.PathHash)
	default:
		t.Fatal("expected MetaAdded to have a pending value")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")

	s, err := Open(path, folder.FolderId{0x1})
	require.NoError(t, err)

	var smeta folder.SignedMeta
	smeta.Meta.PathHash = folder.PathHash{0x7}
	require.NoError(t, s.Put(smeta))
	require.NoError(t, s.Close())

	reopened, err := Open(path, folder.FolderId{0x1})
	require.NoError(t, err)
	defer reopened.Close()

	_, found, err := reopened.Get(smeta.Meta.PathHash)
	require.NoError(t, err)
	assert.True(t, found)
}
