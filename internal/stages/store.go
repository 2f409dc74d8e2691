package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HashKV is the subset of the key-value store the recorder needs.
type HashKV interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) (int, error)
}

const (
	filePrefix  = "file:"
	fieldPrefix = "stage_"
)

// FileKey returns the hash key holding a file's checkpoints.
func FileKey(fileID string) string {
	return filePrefix + fileID
}

// StoreRecorder writes checkpoints to hash "file:{id}", one field
// "stage_{n}" per stage. Re-recording a stage overwrites it, so the
// hash always holds the latest tool dispatch.
type StoreRecorder struct {
	kv HashKV
}

// NewStoreRecorder creates a recorder over kv.
func NewStoreRecorder(kv HashKV) *StoreRecorder {
	return &StoreRecorder{kv: kv}
}

// RecordStage implements [Recorder].
func (r *StoreRecorder) RecordStage(ctx context.Context, fileID string, stage int, details map[string]any) error {
	data, err := json.Marshal(newEntry(fileID, stage, details))
	if err != nil {
		return fmt.Errorf("encode stage %d for %s: %w", stage, fileID, err)
	}
	return r.kv.HSet(ctx, FileKey(fileID), fieldPrefix+strconv.Itoa(stage), string(data))
}

// FileLog is every checkpoint recorded for one file, ordered by stage.
type FileLog struct {
	FileID  string  `json:"file_id"`
	Entries []Entry `json:"stages"`
}

// Last returns the highest stage reached, or nil for an empty log.
func (f FileLog) Last() *Entry {
	if len(f.Entries) == 0 {
		return nil
	}
	return &f.Entries[len(f.Entries)-1]
}

// File returns the log of one file. Undecodable fields are skipped.
func (r *StoreRecorder) File(ctx context.Context, fileID string) (FileLog, error) {
	fields, err := r.kv.HGetAll(ctx, FileKey(fileID))
	if err != nil {
		return FileLog{}, fmt.Errorf("read stages for %s: %w", fileID, err)
	}
	log := FileLog{FileID: fileID}
	for field, value := range fields {
		if !strings.HasPrefix(field, fieldPrefix) {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			continue
		}
		log.Entries = append(log.Entries, e)
	}
	sort.Slice(log.Entries, func(i, j int) bool { return log.Entries[i].Stage < log.Entries[j].Stage })
	return log, nil
}

// Files returns the logs of every file with at least one checkpoint,
// ordered by file id.
func (r *StoreRecorder) Files(ctx context.Context) ([]FileLog, error) {
	keys, err := r.kv.Keys(ctx, filePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	logs := make([]FileLog, 0, len(keys))
	for _, key := range keys {
		log, err := r.File(ctx, strings.TrimPrefix(key, filePrefix))
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// Clear deletes every file log and returns how many were removed.
func (r *StoreRecorder) Clear(ctx context.Context) (int, error) {
	keys, err := r.kv.Keys(ctx, filePrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return r.kv.Delete(ctx, keys...)
}
