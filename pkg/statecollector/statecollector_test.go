package statecollector

import (
	"testing"

	"foldersync/pkg/folder"

	"github.com/stretchr/testify/assert"
)

func TestSetAndSnapshot(t *testing.T) {
	c := New()
	id := folder.FolderId{0x1}

	c.FolderStateSet(id, "secret", "owner")
	c.FolderStateSet(id, "peer_count", 3)

	snap := c.Snapshot(id)
	assert.Equal(t, "owner", snap["secret"])
	assert.Equal(t, 3, snap["peer_count"])
}

func TestPurgeRemovesFolder(t *testing.T) {
	c := New()
	id := folder.FolderId{0x2}

	c.FolderStateSet(id, "key", "value")
	assert.NotEmpty(t, c.Snapshot(id))

	c.FolderStatePurge(id)
	assert.Empty(t, c.Snapshot(id))
}

func TestFoldersListsKnownIDs(t *testing.T) {
	c := New()
	a, b := folder.FolderId{0xA}, folder.FolderId{0xB}

	c.FolderStateSet(a, "k", "v")
	c.FolderStateSet(b, "k", "v")

	ids := c.Folders()
	assert.ElementsMatch(t, []folder.FolderId{a, b}, ids)
}

func TestSnapshotIsolatesFolders(t *testing.T) {
	c := New()
	a, b := folder.FolderId{0xA}, folder.FolderId{0xB}

	c.FolderStateSet(a, "key", "a-value")
	c.FolderStateSet(b, "key", "b-value")

	assert.Equal(t, "a-value", c.Snapshot(a)["key"])
	assert.Equal(t, "b-value", c.Snapshot(b)["key"])
}
