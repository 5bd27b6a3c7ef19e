package domain

import (
	"strings"
	"time"
)

// ChecksumSHA256 and CompressionZstd name the only sealing formats written today.
const (
	ChecksumSHA256  = "sha256"
	CompressionZstd = "zstd"
)

// ArchiveRecord is the sealed, compressed, checksummed form of a processed drop.
type ArchiveRecord struct {
	ContentHash       ContentHash
	DropID            string
	CompressedBlobRef ContentHash
	OriginalSize      int64
	CompressedSize    int64
	ChecksumAlgorithm string
	Checksum          string
	Compression       string
	SealedAt          time.Time
}

// NewArchiveRecordInput holds values for NewArchiveRecord.
type NewArchiveRecordInput struct {
	ContentHash       ContentHash
	DropID            string
	CompressedBlobRef ContentHash
	OriginalSize      int64
	CompressedSize    int64
	Checksum          string
}

// NewArchiveRecord constructs a sha256/zstd record.
func NewArchiveRecord(in NewArchiveRecordInput, now time.Time) (ArchiveRecord, error) {
	dropID := strings.TrimSpace(in.DropID)
	if dropID == "" {
		return ArchiveRecord{}, ErrInvalidID
	}
	if !in.ContentHash.Valid() || !in.CompressedBlobRef.Valid() {
		return ArchiveRecord{}, ErrInvalidContentHash
	}
	if !ContentHash(in.Checksum).Valid() {
		return ArchiveRecord{}, ErrInvalidContentHash
	}
	return ArchiveRecord{
		ContentHash:       in.ContentHash,
		DropID:            dropID,
		CompressedBlobRef: in.CompressedBlobRef,
		OriginalSize:      in.OriginalSize,
		CompressedSize:    in.CompressedSize,
		ChecksumAlgorithm: ChecksumSHA256,
		Checksum:          in.Checksum,
		Compression:       CompressionZstd,
		SealedAt:          now.UTC(),
	}, nil
}

// Ratio returns compressed/original size, or 0 for empty input.
func (r ArchiveRecord) Ratio() float64 {
	if r.OriginalSize == 0 {
		return 0
	}
	return float64(r.CompressedSize) / float64(r.OriginalSize)
}
