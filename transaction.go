package payflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionSpec is the client supplied description of a payment.
type TransactionSpec struct {
	Amount   int64             `json:"amount"` // minor units
	Currency string            `json:"currency"`
	Payer    string            `json:"payer"`
	Payee    string            `json:"payee"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks the spec before it is admitted.
func (s TransactionSpec) Validate() error {
	switch {
	case s.Amount <= 0:
		return NewValidationError(CodeInvalidAmount, fmt.Sprintf("amount must be positive, got %d", s.Amount))
	case !currencyPattern.MatchString(s.Currency):
		return NewValidationError(CodeInvalidCurrency, fmt.Sprintf("currency %q is not an ISO-4217 code", s.Currency))
	case strings.TrimSpace(s.Payer) == "" || strings.TrimSpace(s.Payee) == "":
		return NewValidationError(CodeValidation, "payer and payee are required")
	case s.Payer == s.Payee:
		return NewValidationError(CodeSameAccount, fmt.Sprintf("payer and payee must differ: %s", s.Payer))
	}
	return nil
}

// Fingerprint returns a stable digest of the spec. Two requests with the
// same key and a different fingerprint are logged as a key reuse.
func (s TransactionSpec) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", s.Amount, s.Currency, s.Payer, s.Payee)
	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, s.Metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Failure describes why a transaction left the success path.
type Failure struct {
	Code    ErrorCode  `json:"code"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Step    StepName   `json:"step,omitempty"`
	// Redriven is set when an operator re-drove compensation out of
	// failed_terminal, taking ownership of any unknown gateway outcome.
	Redriven bool `json:"redriven,omitempty"`
}

// Transaction is the unit of work driven by the engine.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Payer          string            `json:"payer"`
	Payee          string            `json:"payee"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	State          LifecycleState    `json:"state"`
	Failure        *Failure          `json:"failure,omitempty"`
	Steps          []StepRecord      `json:"steps,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewTransaction builds a transaction in the created state. An empty id
// gets a fresh UUID.
func NewTransaction(id, key string, spec TransactionSpec, now time.Time) *Transaction {
	if id == "" {
		id = uuid.NewString()
	}
	return &Transaction{
		ID:             id,
		IdempotencyKey: key,
		Amount:         spec.Amount,
		Currency:       spec.Currency,
		Payer:          spec.Payer,
		Payee:          spec.Payee,
		Metadata:       spec.Metadata,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Spec returns the admission spec the transaction was created from.
func (t *Transaction) Spec() TransactionSpec {
	return TransactionSpec{
		Amount:   t.Amount,
		Currency: t.Currency,
		Payer:    t.Payer,
		Payee:    t.Payee,
		Metadata: t.Metadata,
	}
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Steps = append([]StepRecord(nil), t.Steps...)
	return &c
}

// Log replays the step records of the transaction.
func (t *Transaction) Log() (*StepLog, error) {
	return NewStepLogRecover(t.ID, t.Steps)
}

// Snapshot is the event payload view of a transaction.
type Snapshot struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Payer          string         `json:"payer"`
	Payee          string         `json:"payee"`
	State          LifecycleState `json:"state"`
	Failure        *Failure       `json:"failure,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Snapshot returns the transaction without its step history.
func (t *Transaction) Snapshot() Snapshot {
	return Snapshot{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Amount:         t.Amount,
		Currency:       t.Currency,
		Payer:          t.Payer,
		Payee:          t.Payee,
		State:          t.State,
		Failure:        t.Failure,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (t *Transaction) snapshotJSON() json.RawMessage {
	data, err := json.Marshal(t.Snapshot())
	if err != nil {
		// Snapshot only holds plain fields.
		panic(fmt.Sprintf("marshal snapshot: %v", err))
	}
	return data
}
