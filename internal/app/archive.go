package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hylla/crc/internal/domain"
)

// Seal compresses a merged drop into the content store and moves it to archived.
// The stored blob is read back and verified before the record is written. If the
// working copy cannot be discarded afterwards the record is still returned with the error.
func (s *Service) Seal(ctx context.Context, dropID string) (domain.ArchiveRecord, error) {
	ctx, span := tracer.Start(ctx, "archive.seal")
	defer span.End()
	span.SetAttributes(attribute.String("crc.drop_id", dropID))

	unlock := s.dropLocks.lock(dropID)
	defer unlock()

	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	if d.State != domain.StateMerged {
		return domain.ArchiveRecord{}, &PreconditionError{Op: "seal", DropID: d.ID, Required: domain.StateMerged, Actual: d.State}
	}

	data, err := s.workspace.Read(ctx, d.ID)
	if err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("read working copy: %w", err)
	}
	if domain.HashContent(data) != d.ContentHash {
		return domain.ArchiveRecord{}, fmt.Errorf("%w: working copy of %s does not match content hash", ErrIntegrity, d.ID)
	}

	blob := s.codec.compress(data)
	checksum := domain.HashContent(blob)
	ref, err := s.store.Put(ctx, blob)
	if err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("store archive blob: %w", err)
	}
	if ref != checksum {
		return domain.ArchiveRecord{}, fmt.Errorf("%w: store returned %s for blob %s", ErrIntegrity, ref.Short(), checksum.Short())
	}
	if err := s.verifyBlob(ctx, ref, string(checksum), d.ContentHash); err != nil {
		return domain.ArchiveRecord{}, err
	}

	rec, err := domain.NewArchiveRecord(domain.NewArchiveRecordInput{
		ContentHash:       d.ContentHash,
		DropID:            d.ID,
		CompressedBlobRef: ref,
		OriginalSize:      int64(len(data)),
		CompressedSize:    int64(len(blob)),
		Checksum:          string(checksum),
	}, s.clock())
	if err != nil {
		return domain.ArchiveRecord{}, err
	}

	next := d
	if err := next.TransitionTo(domain.StateArchived, s.clock()); err != nil {
		return domain.ArchiveRecord{}, err
	}
	node, err := s.newDropNode(next, []string{d.HeadNodeID}, string(domain.StateArchived), map[string]string{
		"blob_ref":        string(ref),
		"original_size":   fmt.Sprint(rec.OriginalSize),
		"compressed_size": fmt.Sprint(rec.CompressedSize),
	})
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	next.HeadNodeID = node.ID
	if err := s.repo.SealDrop(ctx, rec, DropUpdate{From: domain.StateMerged, FromHead: d.HeadNodeID, Next: next, Node: node}); err != nil {
		return domain.ArchiveRecord{}, s.staleOr(ctx, d.ID, domain.StateMerged, err)
	}

	s.metrics.DropTransitioned(domain.StateMerged, domain.StateArchived)
	s.metrics.DropSealed(rec.OriginalSize, rec.CompressedSize)
	s.log.Info("drop sealed", "drop_id", d.ID, "blob_ref", ref.Short(), "ratio", fmt.Sprintf("%.3f", rec.Ratio()))
	if err := s.workspace.Discard(ctx, d.ID); err != nil {
		return rec, fmt.Errorf("discard working copy of %s: %w", d.ID, err)
	}
	return rec, nil
}

// ExtractReadOnly returns the original bytes of a sealed drop after checking the stored
// checksum and the content hash.
func (s *Service) ExtractReadOnly(ctx context.Context, hash domain.ContentHash) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "archive.extract")
	defer span.End()

	hash = domain.ContentHash(strings.TrimSpace(string(hash)))
	if !hash.Valid() {
		return nil, domain.ErrInvalidContentHash
	}
	rec, err := s.repo.GetArchiveRecordByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	blob, err := s.store.Get(ctx, rec.CompressedBlobRef)
	if err != nil {
		return nil, fmt.Errorf("load archive blob %s: %w", rec.CompressedBlobRef.Short(), err)
	}
	if string(domain.HashContent(blob)) != rec.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrIntegrity, rec.DropID)
	}
	data, err := s.codec.decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", ErrIntegrity, rec.DropID, err)
	}
	if domain.HashContent(data) != rec.ContentHash {
		return nil, fmt.Errorf("%w: content hash mismatch for %s", ErrIntegrity, rec.DropID)
	}
	return data, nil
}

// GetArchiveRecord returns the record written when a drop was sealed.
func (s *Service) GetArchiveRecord(ctx context.Context, dropID string) (domain.ArchiveRecord, error) {
	return s.repo.GetArchiveRecord(ctx, strings.TrimSpace(dropID))
}

// SweepWorkspace discards working copies left behind by drops that no longer need them.
func (s *Service) SweepWorkspace(ctx context.Context) ([]string, error) {
	ids, err := s.workspace.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list working copies: %w", err)
	}
	swept := []string{}
	for _, id := range ids {
		d, err := s.repo.GetDrop(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return swept, err
		case !d.State.Discardable():
			continue
		}
		if err := s.workspace.Discard(ctx, id); err != nil {
			return swept, fmt.Errorf("discard working copy of %s: %w", id, err)
		}
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		s.log.Info("workspace swept", "discarded", len(swept))
	}
	return swept, nil
}

func (s *Service) verifyBlob(ctx context.Context, ref domain.ContentHash, checksum string, want domain.ContentHash) error {
	stored, err := s.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("read back archive blob: %w", err)
	}
	if string(domain.HashContent(stored)) != checksum {
		return fmt.Errorf("%w: stored blob %s fails checksum", ErrIntegrity, ref.Short())
	}
	data, err := s.codec.decompress(stored)
	if err != nil {
		return fmt.Errorf("%w: decompress stored blob: %v", ErrIntegrity, err)
	}
	if domain.HashContent(data) != want {
		return fmt.Errorf("%w: stored blob does not round-trip", ErrIntegrity)
	}
	return nil
}
