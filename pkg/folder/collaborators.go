package folder

// PathNormalizer canonicalizes and relativizes paths against the folder
// root. The core treats it as an opaque collaborator: FolderGroup owns one
// for the folder's lifetime but never calls it itself.
type PathNormalizer interface {
	Normalize(absPath string) (string, error)
	Absolute(relPath string) string
}

// IgnoreList tests a relative path against user-defined patterns. Like
// PathNormalizer, the core only owns it; it never calls it.
type IgnoreList interface {
	IsIgnored(relPath string) bool
}

// MetaStorage owns the signed-metadata index.
type MetaStorage interface {
	GetMeta() ([]SignedMeta, error)
	Put(smeta SignedMeta) error
	// MetaAdded fires after a successful Put commits a new maximal
	// revision for a path, with a signature already verified.
	MetaAdded() <-chan SignedMeta
}

// ChunkStorage owns chunk bytes and the per-meta availability bitfield.
type ChunkStorage interface {
	MakeBitfield(meta Meta) (Bitfield, error)
	PutChunk(hash ChunkHash, data []byte) error
	ReadBlock(hash ChunkHash, offset, size int64) ([]byte, bool, error)
	// ChunkAdded fires at most once per ct_hash, after verification and
	// persistence.
	ChunkAdded() <-chan ChunkHash
}

// StateCollector is the external state sink the core pushes periodic
// snapshots to (section 6). Keys used by the core: "secret", "peers",
// "traffic_stats".
type StateCollector interface {
	FolderStateSet(id FolderId, key string, value interface{})
	FolderStatePurge(id FolderId)
}
