// Package models defines the satellite-side data models persisted in the
// database. All timestamps are unix seconds.
package models

// DeleteState is the tri-state lifecycle marker gating when a version's file
// and metadata may be permanently removed. It only ever advances
// Keep → ShouldDelete → WantDelete, except for the explicit bulk reset that
// returns ShouldDelete entries to Keep.
type DeleteState string

const (
	DeleteStateKeep         DeleteState = "KEEP"
	DeleteStateShouldDelete DeleteState = "SHOULD_DELETE"
	DeleteStateWantDelete   DeleteState = "WANT_DELETE"
)

// ShareMode controls how an image base participates in master replication.
type ShareMode string

const (
	ShareModeLocal    ShareMode = "LOCAL"
	ShareModePublish  ShareMode = "PUBLISH"
	ShareModeDownload ShareMode = "DOWNLOAD"
	ShareModeFrozen   ShareMode = "FROZEN"
)

// ImageVersion is one stored revision of a VM image. The backing file lives
// at FilePath relative to the store root.
type ImageVersion struct {
	VersionID  string
	BaseID     string
	FilePath   string
	FileSize   int64
	UploaderID string
	CreateTime int64
	ExpireTime int64

	IsValid     bool
	DeleteState DeleteState

	// MachineDescription is the opaque hardware description blob (e.g. a
	// dumped *.vmx file). Only loaded when explicitly requested.
	MachineDescription []byte
}

// ImageBase is the identity an image keeps across versions.
type ImageBase struct {
	BaseID string
	// LatestVersionID is empty when no valid version exists. It is computed
	// by the consistency manager, never trusted as ground truth.
	LatestVersionID string
	DisplayName     string
	OwnerID         string
	ShareMode       ShareMode
	CreateTime      int64
	UpdateTime      int64
}

// Block is the persisted per-chunk metadata of an image version.
// Blocks are ChunkSize bytes except possibly the last one of a file.
type Block struct {
	VersionID   string
	StartOffset int64
	Size        int
	// Hash is the 20-byte SHA-1 digest of the block, nil if never computed.
	Hash    []byte
	Missing bool
}

// Lecture is a dependent record referencing an image version. When
// AutoUpdate is set it follows the base image's latest version; otherwise it
// pins an exact version id and must be forcibly switched (or disabled) when
// that version becomes invalid.
type Lecture struct {
	LectureID      string
	DisplayName    string
	ImageVersionID string
	AutoUpdate     bool
	Enabled        bool
}
