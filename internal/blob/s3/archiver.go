package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// AuctionArchiveStore provides read access to finished auctions for archival.
type AuctionArchiveStore interface {
	// ListClosedBefore returns bought-out auctions that started strictly
	// before the cutoff time, up to limit records.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Auction, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Finished auctions are NOT deleted from the primary store here; that is a
// separate, explicit step to be executed after the archive has been verified.
// Audit rows ARE pruned after a successful upload, since the audit log grows
// without bound otherwise.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	auctions  AuctionArchiveStore
	audit     domain.AuditStore
	batchSize int
}

// NewArchiver creates a new ArchiveImpl. batchSize bounds how many auctions
// one archival run uploads; values < 1 disable the bound.
func NewArchiver(writer domain.BlobWriter, auctions AuctionArchiveStore, audit domain.AuditStore, batchSize int) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		auctions:  auctions,
		audit:     audit,
		batchSize: batchSize,
	}
}

// archivedAuction is the JSONL row format for an archived auction.
type archivedAuction struct {
	User       string    `json:"user"`
	StartedAt  time.Time `json:"started_at"`
	Collateral string    `json:"collateral"`
	Debt       string    `json:"debt"`
}

// ArchiveAuctions queries bought-out auctions older than the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/auctions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveAuctions(ctx context.Context, before time.Time) (int64, error) {
	auctions, err := a.auctions.ListClosedBefore(ctx, before, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions query: %w", err)
	}
	if len(auctions) == 0 {
		return 0, nil
	}

	rows := make([]archivedAuction, 0, len(auctions))
	for _, auc := range auctions {
		rows = append(rows, archivedAuction{
			User:       auc.User.Hex(),
			StartedAt:  auc.StartedAt,
			Collateral: auc.Collateral.String(),
			Debt:       auc.Debt.String(),
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions marshal: %w", err)
	}

	path := archivePath("auctions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions upload: %w", err)
	}

	count := int64(len(auctions))

	if err := a.audit.Log(ctx, "archive.auctions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive auctions audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries older than the cutoff, serializes them
// to JSONL, uploads the file to S3 at archive/audit/YYYY-MM.jsonl, and then
// prunes the archived rows from the primary store. The count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before, Limit: a.batchSize})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	// Prune only when the whole window fit in one batch. A truncated batch
	// would otherwise delete rows that were never uploaded.
	if a.batchSize < 1 || len(entries) < a.batchSize {
		if _, err := a.audit.DeleteBefore(ctx, before); err != nil {
			return count, fmt.Errorf("s3blob: archive audit prune: %w", err)
		}
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/auctions/2025-01.jsonl
//	archive/audit/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
