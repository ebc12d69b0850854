package payflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepName identifies a saga step.
type StepName string

// RecordKind tells forward steps from compensation steps.
type RecordKind string

const (
	KindForward      RecordKind = "forward"
	KindCompensation RecordKind = "compensation"
)

// Outcome is the result of a single step attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Final reports whether the outcome completes an attempt.
func (o Outcome) Final() bool {
	return o != OutcomePending
}

// StepRecord is one entry in a transaction's append-only step log. A pending
// record marks an attempt as started; the completion record of the same
// attempt follows it.
type StepRecord struct {
	TransactionID string          `json:"transaction_id"`
	Seq           int64           `json:"seq"`
	Step          StepName        `json:"step"`
	Kind          RecordKind      `json:"kind"`
	Compensates   StepName        `json:"compensates,omitempty"`
	Attempt       int             `json:"attempt"`
	OperationKey  string          `json:"operation_key"`
	Outcome       Outcome         `json:"outcome"`
	Terminal      bool            `json:"terminal,omitempty"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
}

// String implements fmt.Stringer.
func (r StepRecord) String() string {
	s := fmt.Sprintf("%s/%s#%d %s", r.Kind, r.Step, r.Attempt, r.Outcome)
	if r.Terminal {
		s += " (terminal)"
	}
	return s
}

// StepStatus is the replayed status of one (step, kind) pair.
type StepStatus int

const (
	StatusNeverStarted StepStatus = iota
	StatusPending
	StatusFailed
	StatusSucceeded
)

func (s StepStatus) String() string {
	switch s {
	case StatusNeverStarted:
		return "never_started"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusSucceeded:
		return "succeeded"
	default:
		return fmt.Sprintf("unknown StepStatus: %d", int(s))
	}
}

// nextStatus validates rec against the current status of its step and returns
// the status after recording it.
func (s StepStatus) nextStatus(lastAttempt int, rec StepRecord) (StepStatus, error) {
	if s == StatusSucceeded {
		return s, fmt.Errorf("step %s already succeeded, cannot record %s", rec.Step, rec)
	}
	if rec.Outcome == OutcomePending {
		if rec.Attempt <= lastAttempt {
			return s, fmt.Errorf("attempt %d of %s does not follow attempt %d", rec.Attempt, rec.Step, lastAttempt)
		}
		return StatusPending, nil
	}
	sameAttempt := s == StatusPending && rec.Attempt == lastAttempt
	if !sameAttempt && rec.Attempt <= lastAttempt {
		return s, fmt.Errorf("completion of %s attempt %d does not match pending attempt %d", rec.Step, rec.Attempt, lastAttempt)
	}
	if rec.Outcome == OutcomeSucceeded {
		return StatusSucceeded, nil
	}
	return StatusFailed, nil
}

type stepKey struct {
	step StepName
	kind RecordKind
}

type stepState struct {
	status      StepStatus
	lastAttempt int
	last        StepRecord
}

// StepLog replays a transaction's step records and enforces the log
// invariants: attempt numbers per step strictly increase, a completion
// matches its pending attempt, and nothing follows a success.
type StepLog struct {
	sync.Mutex
	transactionID string
	records       []StepRecord
	steps         map[stepKey]*stepState
}

// NewEmptyStepLog creates an empty log.
func NewEmptyStepLog(transactionID string) *StepLog {
	return &StepLog{
		transactionID: transactionID,
		steps:         make(map[stepKey]*stepState),
	}
}

// NewStepLogRecover rebuilds a log from stored records, in stored order.
func NewStepLogRecover(transactionID string, records []StepRecord) (*StepLog, error) {
	log := NewEmptyStepLog(transactionID)
	for _, rec := range records {
		if err := log.Record(rec); err != nil {
			return nil, fmt.Errorf("error recovering step log: %w", err)
		}
	}
	return log, nil
}

// Record validates and appends rec.
func (l *StepLog) Record(rec StepRecord) error {
	l.Lock()
	defer l.Unlock()

	if rec.TransactionID != l.transactionID {
		return fmt.Errorf("record for transaction %s appended to log of %s", rec.TransactionID, l.transactionID)
	}
	key := stepKey{rec.Step, rec.Kind}
	st, ok := l.steps[key]
	if !ok {
		st = &stepState{}
		l.steps[key] = st
	}
	next, err := st.status.nextStatus(st.lastAttempt, rec)
	if err != nil {
		return err
	}
	st.status = next
	st.lastAttempt = rec.Attempt
	st.last = rec
	l.records = append(l.records, rec)
	return nil
}

// Status returns the replayed status of a step.
func (l *StepLog) Status(step StepName, kind RecordKind) StepStatus {
	l.Lock()
	defer l.Unlock()
	if st, ok := l.steps[stepKey{step, kind}]; ok {
		return st.status
	}
	return StatusNeverStarted
}

// LastAttempt returns the highest attempt number recorded for a step.
func (l *StepLog) LastAttempt(step StepName, kind RecordKind) int {
	l.Lock()
	defer l.Unlock()
	if st, ok := l.steps[stepKey{step, kind}]; ok {
		return st.lastAttempt
	}
	return 0
}

// Succeeded returns the succeeded record of a step, if any.
func (l *StepLog) Succeeded(step StepName, kind RecordKind) (StepRecord, bool) {
	l.Lock()
	defer l.Unlock()
	st, ok := l.steps[stepKey{step, kind}]
	if !ok || st.status != StatusSucceeded {
		return StepRecord{}, false
	}
	return st.last, true
}

// SucceededForward returns succeeded forward records in the order they
// completed.
func (l *StepLog) SucceededForward() []StepRecord {
	l.Lock()
	defer l.Unlock()
	var out []StepRecord
	for _, rec := range l.records {
		if rec.Kind == KindForward && rec.Outcome == OutcomeSucceeded {
			out = append(out, rec)
		}
	}
	return out
}

// Attempts folds pending markers into their completions, returning one
// entry per attempt. An attempt with no completion stays pending.
func (l *StepLog) Attempts() []StepRecord {
	l.Lock()
	defer l.Unlock()
	out := make([]StepRecord, 0, len(l.records))
	open := make(map[stepKey]int)
	for _, rec := range l.records {
		key := stepKey{rec.Step, rec.Kind}
		if idx, ok := open[key]; ok && rec.Outcome.Final() && out[idx].Attempt == rec.Attempt {
			out[idx] = rec
			delete(open, key)
			continue
		}
		out = append(out, rec)
		if rec.Outcome == OutcomePending {
			open[key] = len(out) - 1
		} else {
			delete(open, key)
		}
	}
	return out
}

// Records returns every stored record.
func (l *StepLog) Records() []StepRecord {
	l.Lock()
	defer l.Unlock()
	return append([]StepRecord(nil), l.records...)
}

// StepLogPretty is a helper for pretty-printing a StepLog.
type StepLogPretty struct {
	Log *StepLog
}

// String implements fmt.Stringer.
func (p *StepLogPretty) String() string {
	attempts := p.Log.Attempts()
	var sb strings.Builder
	sb.WriteString("STEP LOG:\n")
	sb.WriteString(fmt.Sprintf("transaction: %s\n", p.Log.transactionID))
	sb.WriteString(fmt.Sprintf("attempts (%d total):\n", len(attempts)))
	for i, rec := range attempts {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, rec.String()))
	}
	return sb.String()
}
