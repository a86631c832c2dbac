package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

const fallbackMessage = "audit.fallback"

// Fallback record kinds.
const (
	KindBegin     = "begin"
	KindComplete  = "complete"
	KindViolation = "violation"
)

// FallbackRecord is one line of the fallback log.
type FallbackRecord struct {
	Kind     string    `json:"kind"`
	Entry    Entry     `json:"entry"`
	Cause    string    `json:"cause,omitempty"`
	LoggedAt time.Time `json:"timestamp"`
}

// FallbackLog is an append-only, fsynced JSON-lines file that holds audit entries the primary
// store could not accept. Lines share the service log encoding so they can be shipped and
// grepped with the same tooling.
type FallbackLog struct {
	mu   sync.Mutex
	path string
}

// OpenFallbackLog prepares the log at path, creating it if needed.
func OpenFallbackLog(path string) (*FallbackLog, error) {
	if path == "" {
		return nil, errors.New("audit: fallback log path is required")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open fallback log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close fallback log: %w", err)
	}
	return &FallbackLog{path: path}, nil
}

// Path returns the file backing the log.
func (l *FallbackLog) Path() string { return l.path }

// Append durably writes one record. It returns only after the line has been synced.
func (l *FallbackLog) Append(kind string, entry Entry, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open fallback log: %w", err)
	}
	defer f.Close()

	core := zapcore.NewCore(zapcore.NewJSONEncoder(observability.EncoderConfig()), zapcore.AddSync(f), zapcore.DebugLevel)
	fields := []zapcore.Field{
		zap.String("kind", kind),
		zap.Reflect("entry", entry),
	}
	if cause != nil {
		fields = append(fields, zap.String("cause", cause.Error()))
	}
	if err := core.Write(zapcore.Entry{Level: zapcore.ErrorLevel, Time: time.Now().UTC(), Message: fallbackMessage}, fields); err != nil {
		return fmt.Errorf("write fallback log: %w", err)
	}
	if err := core.Sync(); err != nil {
		return fmt.Errorf("sync fallback log: %w", err)
	}
	return nil
}

// Records reads every record currently in the log.
func (l *FallbackLog) Records() ([]FallbackRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, _, err := l.read()
	return records, err
}

// Drain hands every record to restore in log order. Records restore rejects, plus any line
// that cannot be decoded, stay in the log; the rest are removed. It returns how many records
// were restored.
func (l *FallbackLog) Drain(ctx context.Context, restore func(context.Context, FallbackRecord) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, undecodable, err := l.read()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var (
		kept     = undecodable
		restored int
		errs     []error
	)
	for i, rec := range records {
		if ctx.Err() != nil {
			kept = append(kept, encodeRecords(records[i:])...)
			errs = append(errs, ctx.Err())
			break
		}
		if err := restore(ctx, rec); err != nil {
			kept = append(kept, encodeRecords(records[i:i+1])...)
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.Entry.EntryID, err))
			continue
		}
		restored++
	}

	if err := l.rewrite(kept); err != nil {
		errs = append(errs, err)
	}
	return restored, errors.Join(errs...)
}

func (l *FallbackLog) read() ([]FallbackRecord, [][]byte, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open fallback log: %w", err)
	}
	defer f.Close()

	var (
		records     []FallbackRecord
		undecodable [][]byte
	)
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec FallbackRecord
			if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr != nil || rec.Entry.EntryID == "" {
				undecodable = append(undecodable, append([]byte(nil), trimmed...))
			} else {
				records = append(records, rec)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read fallback log: %w", err)
		}
	}
	return records, undecodable, nil
}

func (l *FallbackLog) rewrite(lines [][]byte) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("rewrite fallback log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("rewrite fallback log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync fallback log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close fallback log: %w", err)
	}
	return os.Rename(tmp, l.path)
}

func encodeRecords(records []FallbackRecord) [][]byte {
	out := make([][]byte, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}
