package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/reimburse-agent/internal/embeddings"
	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/store"
)

// DuplicateHint reports a stored receipt similar to the one in flight.
type DuplicateHint struct {
	Message              string  `json:"message"`
	MatchingFileID       string  `json:"matching_file_id"`
	MatchingReceiptImage string  `json:"matching_receipt_image"`
	Similarity           float64 `json:"similarity"`
}

// Record is a processed receipt kept for duplicate detection.
type Record struct {
	FileID         string    `json:"file_id"`
	ReceiptType    string    `json:"receipt_type"`
	ReceiptContent string    `json:"receipt_content"`
	Image          string    `json:"base_64_image"`
	Embedding      []float32 `json:"embedding"`
}

// KV is the subset of the key-value store the matcher needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) (int, error)
}

// RecordKey returns the store key for a processed receipt.
func RecordKey(typ employees.ExpenseType, fileID string) string {
	return fmt.Sprintf("receipt:%s:%s", typ, fileID)
}

// Matcher finds previously processed receipts of the same type whose
// extracted content embeds close to a new receipt's content.
type Matcher struct {
	kv        KV
	embedder  embeddings.Embedder
	threshold float64
	logger    *slog.Logger
}

// NewMatcher creates a matcher. Receipts at or above threshold cosine
// similarity are reported as possible duplicates.
func NewMatcher(kv KV, embedder embeddings.Embedder, threshold float64, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{kv: kv, embedder: embedder, threshold: threshold, logger: logger}
}

// Threshold returns the configured similarity threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// FindDuplicate compares content against every stored receipt of the
// same type and returns a hint for the closest match at or above the
// threshold, or nil when there is none.
func (m *Matcher) FindDuplicate(ctx context.Context, typ employees.ExpenseType, content string) (*DuplicateHint, error) {
	if strings.TrimSpace(content) == "" || typ == "" {
		return nil, nil
	}

	records, err := m.records(ctx, typ)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		m.logger.Debug("no stored receipts to compare", "receipt_type", typ)
		return nil, nil
	}

	vec, err := m.embedder.Generate(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed receipt content: %w", err)
	}
	query := embeddings.Normalize(vec)

	vectors := make([][]float32, len(records))
	for i, r := range records {
		vectors[i] = embeddings.Normalize(r.Embedding)
	}
	idx, score := embeddings.Best(query, vectors)
	if idx < 0 || float64(score) < m.threshold {
		return nil, nil
	}

	match := records[idx]
	m.logger.Warn("possible duplicate receipt",
		"receipt_type", typ,
		"matching_file_id", match.FileID,
		"similarity", score,
	)
	return &DuplicateHint{
		Message:              "A duplicate receipt was found, perform thorough duplicate check. Similar to receipt ID: " + match.FileID,
		MatchingFileID:       match.FileID,
		MatchingReceiptImage: match.Image,
		Similarity:           float64(score),
	}, nil
}

func (m *Matcher) records(ctx context.Context, typ employees.ExpenseType) ([]Record, error) {
	keys, err := m.kv.Keys(ctx, RecordKey(typ, "*"))
	if err != nil {
		return nil, fmt.Errorf("scan stored receipts: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, err := m.kv.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			m.logger.Warn("skipping undecodable receipt record", "key", k, "error", err)
			continue
		}
		if len(r.Embedding) == 0 {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Save embeds content and stores the receipt so later submissions can be
// matched against it.
func (m *Matcher) Save(ctx context.Context, fileID string, typ employees.ExpenseType, content, image string) error {
	vec, err := m.embedder.Generate(ctx, content)
	if err != nil {
		return fmt.Errorf("embed receipt content: %w", err)
	}
	data, err := json.Marshal(Record{
		FileID:         fileID,
		ReceiptType:    string(typ),
		ReceiptContent: content,
		Image:          image,
		Embedding:      vec,
	})
	if err != nil {
		return fmt.Errorf("encode receipt record: %w", err)
	}
	if err := m.kv.Set(ctx, RecordKey(typ, fileID), string(data)); err != nil {
		return fmt.Errorf("save receipt %s: %w", fileID, err)
	}
	return nil
}

// Clear removes every stored receipt and returns how many were deleted.
func (m *Matcher) Clear(ctx context.Context) (int, error) {
	keys, err := m.kv.Keys(ctx, "receipt:*")
	if err != nil {
		return 0, fmt.Errorf("scan stored receipts: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return m.kv.Delete(ctx, keys...)
}
