package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortressi/payflow"
)

type transactionRow struct {
	ID             string            `gorm:"column:id;primaryKey;type:varchar(64)"`
	IdempotencyKey string            `gorm:"column:idempotency_key;type:varchar(255);not null;index"`
	Amount         int64             `gorm:"column:amount;not null"`
	Currency       string            `gorm:"column:currency;type:varchar(3);not null"`
	Payer          string            `gorm:"column:payer;type:varchar(255);not null"`
	Payee          string            `gorm:"column:payee;type:varchar(255);not null"`
	Metadata       map[string]string `gorm:"column:metadata;type:text;serializer:json"`
	State          string            `gorm:"column:state;type:varchar(32);not null;index"`
	Failure        *payflow.Failure  `gorm:"column:failure;type:text;serializer:json"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (transactionRow) TableName() string { return "transactions" }

type stepRow struct {
	TransactionID string    `gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	Seq           int64     `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Step          string    `gorm:"column:step;type:varchar(64);not null"`
	Kind          string    `gorm:"column:kind;type:varchar(16);not null"`
	Compensates   string    `gorm:"column:compensates;type:varchar(64)"`
	Attempt       int       `gorm:"column:attempt;not null"`
	OperationKey  string    `gorm:"column:operation_key;type:varchar(64);not null"`
	Outcome       string    `gorm:"column:outcome;type:varchar(16);not null"`
	Terminal      bool      `gorm:"column:terminal;not null;default:false"`
	Error         string    `gorm:"column:error"`
	Result        []byte    `gorm:"column:result"`
	StartedAt     time.Time `gorm:"column:started_at"`
	CompletedAt   time.Time `gorm:"column:completed_at"`
}

func (stepRow) TableName() string { return "step_records" }

type idempotencyRow struct {
	Key           string                   `gorm:"column:idempotency_key;primaryKey;type:varchar(255)"`
	TransactionID string                   `gorm:"column:transaction_id;type:varchar(64);not null"`
	State         string                   `gorm:"column:state;type:varchar(16);not null;index"`
	Fingerprint   string                   `gorm:"column:fingerprint;type:varchar(64)"`
	Spec          *payflow.TransactionSpec `gorm:"column:spec;type:text;serializer:json"`
	CreatedAt     time.Time                `gorm:"column:created_at;autoCreateTime:false"`
	CommittedAt   *time.Time               `gorm:"column:committed_at"`
	ExpiresAt     *time.Time               `gorm:"column:expires_at"`
}

func (idempotencyRow) TableName() string { return "idempotency_entries" }

type outboxRow struct {
	ID            string     `gorm:"column:id;primaryKey;type:varchar(64)"`
	TransactionID string     `gorm:"column:transaction_id;type:varchar(64);not null;index"`
	Type          string     `gorm:"column:type;type:varchar(32);not null"`
	Payload       []byte     `gorm:"column:payload"`
	EmittedAt     time.Time  `gorm:"column:emitted_at;index"`
	PublishedAt   *time.Time `gorm:"column:published_at;index"`
}

func (outboxRow) TableName() string { return "outbox_events" }

func toTransactionRow(t *payflow.Transaction) transactionRow {
	return transactionRow{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		Amount:         t.Amount,
		Currency:       t.Currency,
		Payer:          t.Payer,
		Payee:          t.Payee,
		Metadata:       t.Metadata,
		State:          string(t.State),
		Failure:        t.Failure,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (r transactionRow) transaction(steps []stepRow) *payflow.Transaction {
	t := &payflow.Transaction{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Payer:          r.Payer,
		Payee:          r.Payee,
		Metadata:       r.Metadata,
		State:          payflow.LifecycleState(r.State),
		Failure:        r.Failure,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, s := range steps {
		t.Steps = append(t.Steps, s.record())
	}
	return t
}

// failureColumn encodes f the way the json serializer stores it.
func failureColumn(f *payflow.Failure) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode failure: %w", err)
	}
	return string(data), nil
}

func toStepRow(rec payflow.StepRecord) stepRow {
	return stepRow{
		TransactionID: rec.TransactionID,
		Seq:           rec.Seq,
		Step:          string(rec.Step),
		Kind:          string(rec.Kind),
		Compensates:   string(rec.Compensates),
		Attempt:       rec.Attempt,
		OperationKey:  rec.OperationKey,
		Outcome:       string(rec.Outcome),
		Terminal:      rec.Terminal,
		Error:         rec.Error,
		Result:        rec.Result,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

func (s stepRow) record() payflow.StepRecord {
	return payflow.StepRecord{
		TransactionID: s.TransactionID,
		Seq:           s.Seq,
		Step:          payflow.StepName(s.Step),
		Kind:          payflow.RecordKind(s.Kind),
		Compensates:   payflow.StepName(s.Compensates),
		Attempt:       s.Attempt,
		OperationKey:  s.OperationKey,
		Outcome:       payflow.Outcome(s.Outcome),
		Terminal:      s.Terminal,
		Error:         s.Error,
		Result:        s.Result,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
	}
}

func toIdempotencyRow(e payflow.IdempotencyEntry) idempotencyRow {
	r := idempotencyRow{
		Key:           e.Key,
		TransactionID: e.TransactionID,
		State:         string(e.State),
		Fingerprint:   e.Fingerprint,
		Spec:          e.Spec,
		CreatedAt:     e.CreatedAt,
	}
	if !e.CommittedAt.IsZero() {
		at := e.CommittedAt
		r.CommittedAt = &at
	}
	if !e.ExpiresAt.IsZero() {
		at := e.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}

func (r idempotencyRow) entry() payflow.IdempotencyEntry {
	e := payflow.IdempotencyEntry{
		Key:           r.Key,
		TransactionID: r.TransactionID,
		State:         payflow.EntryState(r.State),
		Fingerprint:   r.Fingerprint,
		Spec:          r.Spec,
		CreatedAt:     r.CreatedAt,
	}
	if r.CommittedAt != nil {
		e.CommittedAt = *r.CommittedAt
	}
	if r.ExpiresAt != nil {
		e.ExpiresAt = *r.ExpiresAt
	}
	return e
}

func toOutboxRow(ev *payflow.Event) outboxRow {
	return outboxRow{
		ID:            ev.ID,
		TransactionID: ev.TransactionID,
		Type:          string(ev.Type),
		Payload:       ev.Payload,
		EmittedAt:     ev.EmittedAt,
		PublishedAt:   ev.PublishedAt,
	}
}

func (r outboxRow) event() payflow.Event {
	return payflow.Event{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		Type:          payflow.EventType(r.Type),
		Payload:       r.Payload,
		EmittedAt:     r.EmittedAt,
		PublishedAt:   r.PublishedAt,
	}
}
