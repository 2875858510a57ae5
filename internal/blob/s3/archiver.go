package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Snapshots above multipartThreshold are uploaded in parts of
// multipartPartSize.
const (
	multipartThreshold int64 = 16 << 20
	multipartPartSize  int64 = 8 << 20
)

const jsonlContentType = "application/x-ndjson"

// SettlementSource lists resolved markets for archiving.
type SettlementSource interface {
	Settlements(ctx context.Context, at time.Time) ([]domain.Settlement, error)
}

// settlementRecord is the JSONL row written per resolved market.
type settlementRecord struct {
	Market           string `json:"market"`
	Creator          string `json:"creator"`
	Asset            string `json:"asset"`
	Strike           uint64 `json:"strike"`
	Expiry           int64  `json:"expiry"`
	Outcome          string `json:"outcome"`
	Record           []byte `json:"record"` // 51-byte market record, base64
	CustodyBalance   uint64 `json:"custody_balance"`
	OutstandingPairs uint64 `json:"outstanding_pairs"`
	YesSupply        uint64 `json:"yes_supply"`
	NoSupply         uint64 `json:"no_supply"`
	ArchivedAt       string `json:"archived_at"`
}

// SettlementArchiver snapshots resolved markets to object storage as JSONL
// and records each upload in the audit log.
type SettlementArchiver struct {
	source SettlementSource
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore

	multipartThreshold int64
}

// NewArchiver creates a SettlementArchiver. reader may be nil, in which case
// an existing snapshot at the same path is overwritten.
func NewArchiver(source SettlementSource, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *SettlementArchiver {
	return &SettlementArchiver{source: source, writer: writer, reader: reader, audit: audit, multipartThreshold: multipartThreshold}
}

// ArchiveSettlements uploads one snapshot file for time at and returns the
// number of markets written.
func (a *SettlementArchiver) ArchiveSettlements(ctx context.Context, at time.Time) (int64, error) {
	path := archivePath(at)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive settlements: %w", err)
		}
		if exists {
			return 0, nil
		}
	}

	settlements, err := a.source.Settlements(ctx, at)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}
	if len(settlements) == 0 {
		return 0, nil
	}

	records := make([]settlementRecord, 0, len(settlements))
	for _, s := range settlements {
		raw, err := s.Market.MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("s3blob: encode market %s: %w", s.Market.ID, err)
		}
		records = append(records, settlementRecord{
			Market:           s.Market.ID.String(),
			Creator:          s.Market.Creator.String(),
			Asset:            s.Market.Asset.String(),
			Strike:           s.Market.Strike,
			Expiry:           s.Market.Expiry,
			Outcome:          s.Market.Outcome.String(),
			Record:           raw,
			CustodyBalance:   s.Custody.Balance,
			OutstandingPairs: s.Custody.OutstandingPairs,
			YesSupply:        s.YesSupply,
			NoSupply:         s.NoSupply,
			ArchivedAt:       s.ArchivedAt.Format(time.RFC3339),
		})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements marshal: %w", err)
	}
	if int64(len(buf)) > a.multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, multipartPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements upload: %w", err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
		"path":  path,
		"count": count,
		"bytes": len(buf),
		"at":    at.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive settlements audit log: %w", err)
	}
	return count, nil
}

// archivePath partitions snapshots by day:
//
//	archive/settlements/2025/01/31/0300.jsonl
func archivePath(at time.Time) string {
	return "archive/settlements/" + at.UTC().Format("2006/01/02/1504") + ".jsonl"
}

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

var _ domain.Archiver = (*SettlementArchiver)(nil)
