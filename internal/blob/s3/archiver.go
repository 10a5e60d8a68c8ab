package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
)

// Archiver implements domain.SettlementArchiver. Records are copied, never
// moved: the primary store keeps its rows.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, audit: audit}
}

// Archive uploads one terminal settlement as pretty JSON.
func (a *Archiver) Archive(ctx context.Context, st domain.SettlementState) (string, error) {
	if !st.Terminal() {
		return "", fmt.Errorf("s3blob: archive %s: settlement still %s", st.ID, st.Phase)
	}
	body, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", st.ID, err)
	}
	path := SettlementPath(st)
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), contentTypeJSON); err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", st.ID, err)
	}
	return path, nil
}

// ArchiveBatch uploads states as one JSONL file for day. Payloads above the
// multipart minimum go through the upload manager. A day that already has a
// batch is left as is, so a restarted job does not rewrite it.
func (a *Archiver) ArchiveBatch(ctx context.Context, states []domain.SettlementState, day time.Time) (string, error) {
	if len(states) == 0 {
		return "", nil
	}
	path := BatchPath(day)
	done, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive batch check %s: %w", path, err)
	}
	if done {
		return path, nil
	}

	buf, err := marshalJSONL(states)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive batch marshal: %w", err)
	}
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive batch upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
			"path":  path,
			"count": len(states),
			"day":   day.UTC().Format(time.DateOnly),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive batch audit log: %w", err)
		}
	}
	return path, nil
}

// Load reads back a settlement archived by Archive.
func (a *Archiver) Load(ctx context.Context, path string) (domain.SettlementState, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.SettlementState{}, err
	}
	defer body.Close()

	var st domain.SettlementState
	if err := json.NewDecoder(body).Decode(&st); err != nil {
		return domain.SettlementState{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return st, nil
}

// ListDay returns the archived settlement objects created on day.
func (a *Archiver) ListDay(ctx context.Context, day time.Time) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, "settlements/"+day.UTC().Format("2006/01/02")+"/")
}

// SettlementPath is the object key of one archived settlement, partitioned
// by its creation day:
//
//	settlements/2024/05/01/<id>.json
func SettlementPath(st domain.SettlementState) string {
	return fmt.Sprintf("settlements/%s/%s.json", st.CreatedAt.UTC().Format("2006/01/02"), st.ID)
}

// BatchPath is the object key of a day's JSONL batch:
//
//	settlements/batch/2024-05-01.jsonl
func BatchPath(day time.Time) string {
	return fmt.Sprintf("settlements/batch/%s.jsonl", day.UTC().Format(time.DateOnly))
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

var _ domain.SettlementArchiver = (*Archiver)(nil)
