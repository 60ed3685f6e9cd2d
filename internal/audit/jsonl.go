package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/guildtools/triggerd/internal/domain"
)

// JSONLSink writes audit entries as append-only JSONL, one JSON object per
// line. Thread-safe. Used by storeless deployments and as a local fallback.
type JSONLSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLSink opens (or creates) the audit file in append-only mode with
// 0600 permissions.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLSink{file: f, logger: logger}, nil
}

// Append implements Sink. Marshal happens outside the lock; only the file
// write is serialized.
func (s *JSONLSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	_, writeErr := s.file.Write(data)
	s.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}

	s.logger.DebugContext(ctx, "audit entry appended",
		slog.String("tenant_id", entry.TenantID),
		slog.String("command_id", entry.CommandID.String()),
		slog.String("status", string(entry.Status)),
	)
	return nil
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
