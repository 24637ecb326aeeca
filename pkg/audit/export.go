package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalpilot/core/pkg/canonicalize"
)

var (
	// ErrEmptyBundle is returned when no entries match the export filter.
	ErrEmptyBundle = errors.New("audit: no entries match export filter")
	// ErrArchiveNotConfigured is returned when an upload is requested
	// without a backing archive store (fail-closed).
	ErrArchiveNotConfigured = errors.New("audit: archive store not configured")
)

// Bundle is an exportable, self-verifying slice of audit history.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
	Location   string    `json:"location,omitempty"` // archive address after upload
}

// ExportBundle snapshots the entries matching filter into a Bundle with a
// content checksum.
func (l *Log) ExportBundle(filter Filter) (*Bundle, error) {
	entries := l.Query(filter)
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}

	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	bundle.BundleHash = canonicalize.HashBytes(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's checksum and internal chain consistency.
func VerifyBundle(b *Bundle) error {
	if len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	data, err := json.Marshal(b.Entries)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	if canonicalize.HashBytes(data) != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	for i := 1; i < len(b.Entries); i++ {
		if b.Entries[i].PreviousHash != b.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle chain broken at entry %d", ErrChainBroken, i)
		}
	}
	return nil
}

// ArchiveStore persists exported bundles outside the pipeline (object
// storage); Store returns a content address for later retrieval.
type ArchiveStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// Exporter produces evidence bundles and archives them.
type Exporter struct {
	log     *Log
	archive ArchiveStore
}

// NewExporter creates an Exporter. The archive may be nil when only
// in-process export is needed.
func NewExporter(l *Log, archive ArchiveStore) *Exporter {
	return &Exporter{log: l, archive: archive}
}

// Export builds a bundle for the filter and uploads its canonical JSON to
// the archive store. The returned bundle carries the archive address.
func (e *Exporter) Export(ctx context.Context, filter Filter) (*Bundle, error) {
	bundle, err := e.log.ExportBundle(filter)
	if err != nil {
		return nil, err
	}
	if e.archive == nil {
		return nil, ErrArchiveNotConfigured
	}
	data, err := canonicalize.JCS(bundle)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize bundle: %w", err)
	}
	address, err := e.archive.Store(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("audit: archive bundle: %w", err)
	}
	bundle.Location = address
	return bundle, nil
}
