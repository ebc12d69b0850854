package payflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Report describes a transaction that needs operator attention.
type Report struct {
	TransactionID  string         `json:"transaction_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	State          LifecycleState `json:"state"`
	Failure        *Failure       `json:"failure,omitempty"`
	// Unresolved holds the terminal failed records: the failed forward step
	// and every inverse that could not be completed.
	Unresolved  []StepRecord `json:"unresolved"`
	Attempts    []StepRecord `json:"attempts"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// NewReport builds the report of txn.
func NewReport(txn *Transaction, at time.Time) (Report, error) {
	log, err := txn.Log()
	if err != nil {
		return Report{}, err
	}
	r := Report{
		TransactionID:  txn.ID,
		IdempotencyKey: txn.IdempotencyKey,
		State:          txn.State,
		Failure:        txn.Failure,
		Attempts:       log.Attempts(),
		GeneratedAt:    at,
	}
	for _, rec := range r.Attempts {
		if rec.Terminal && rec.Outcome != OutcomeSucceeded {
			r.Unresolved = append(r.Unresolved, rec)
		}
	}
	return r, nil
}

// Reporter delivers reports to operators.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// LogReporter writes reports to a logger.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) Report(_ context.Context, r Report) error {
	ev := l.logger.Error().
		Str("txn", r.TransactionID).
		Str("key", r.IdempotencyKey).
		Str("state", string(r.State)).
		Int("unresolved", len(r.Unresolved))
	if r.Failure != nil {
		ev = ev.Str("code", string(r.Failure.Code)).Str("class", string(r.Failure.Class))
	}
	ev.Msg("transaction needs operator attention")
	return nil
}

// FileReporter persists reports as JSON files, one per transaction.
type FileReporter struct {
	basePath string
	mu       sync.Mutex
}

// NewFileReporter creates a reporter writing into basePath.
func NewFileReporter(basePath string) (*FileReporter, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	return &FileReporter{basePath: basePath}, nil
}

// Report writes r, replacing an earlier report of the same transaction.
func (f *FileReporter) Report(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	tmp := f.filename(r.TransactionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return os.Rename(tmp, f.filename(r.TransactionID))
}

// Load reads the report of a transaction.
func (f *FileReporter) Load(transactionID string) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(transactionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, fmt.Errorf("report %s: %w", transactionID, ErrNotFound)
		}
		return Report{}, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return r, nil
}

func (f *FileReporter) filename(transactionID string) string {
	return filepath.Join(f.basePath, transactionID+".json")
}
