package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/borrowdesk/locatefee/internal/domain"
)

// Spool buffers audit records on local disk as JSON lines when the
// database is unavailable, for later replay.
type Spool struct {
	mu   sync.Mutex
	path string
}

// NewSpool creates (or reopens) a spool at path.
func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

// Append adds one record to the spool.
func (s *Spool) Append(rec domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spooled record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return f.Sync()
}

// Pending returns the number of spooled records.
func (s *Spool) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.read()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Replay submits every spooled record through persist. Records that
// persist are dropped from the spool; failures are kept for the next
// replay. Returns the number persisted.
func (s *Spool) Replay(ctx context.Context, persist func(context.Context, domain.AuditRecord) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var kept []domain.AuditRecord
	persisted := 0
	for _, rec := range records {
		if err := persist(ctx, rec); err != nil {
			log.Warn().Err(err).Str("audit_id", rec.AuditID).Msg("spool replay failed for record")
			kept = append(kept, rec)
			continue
		}
		persisted++
	}

	if err := s.rewrite(kept); err != nil {
		return persisted, err
	}
	return persisted, nil
}

func (s *Spool) read() ([]domain.AuditRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	var records []domain.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt spool line")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	return records, nil
}

func (s *Spool) rewrite(records []domain.AuditRecord) error {
	if len(records) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear spool: %w", err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open spool tmp: %w", err)
	}
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal spooled record: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write spool tmp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close spool tmp: %w", err)
	}
	return os.Rename(tmp, s.path)
}
