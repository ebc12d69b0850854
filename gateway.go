package payflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway is the external payment processor. Every call carries a
// deterministic operation key so the gateway can deduplicate retries.
type Gateway interface {
	Authorize(ctx context.Context, operationKey string, amount int64, currency, payer string) (AuthorizeResult, error)
	Capture(ctx context.Context, operationKey, reference string, amount int64, payee string) (CaptureResult, error)
	Void(ctx context.Context, operationKey, reference string) (VoidResult, error)
}

type AuthorizeResult struct {
	Approved    bool      `json:"approved"`
	Reference   string    `json:"reference,omitempty"`
	DeclineCode ErrorCode `json:"decline_code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type CaptureResult struct {
	Settled     bool      `json:"settled"`
	Reference   string    `json:"reference,omitempty"`
	DeclineCode ErrorCode `json:"decline_code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type VoidResult struct {
	Voided bool   `json:"voided"`
	Reason string `json:"reason,omitempty"`
}

func declined(code ErrorCode, reason string) error {
	if code == "" {
		code = CodeDeclined
	}
	if reason == "" {
		reason = "declined by gateway"
	}
	return BusinessFailure(code, errors.New(reason))
}

// GatewaySteps returns the payment step definitions bound to gw: authorize
// (undone by void) and capture.
func GatewaySteps(gw Gateway) []StepDefinition {
	authorize := func(ctx context.Context, sc StepContext) (any, error) {
		txn := sc.Transaction
		res, err := gw.Authorize(ctx, sc.OperationKey, txn.Amount, txn.Currency, txn.Payer)
		if err != nil {
			return nil, err
		}
		if !res.Approved {
			return nil, declined(res.DeclineCode, res.Reason)
		}
		return res, nil
	}
	void := func(ctx context.Context, sc StepContext) (any, error) {
		var auth AuthorizeResult
		if err := json.Unmarshal(sc.Forward, &auth); err != nil {
			return nil, SystemFailure(CodeInternal, fmt.Errorf("decode authorization: %w", err))
		}
		res, err := gw.Void(ctx, sc.OperationKey, auth.Reference)
		if err != nil {
			return nil, err
		}
		if !res.Voided {
			return nil, BusinessFailure(CodeProcessingFailed, fmt.Errorf("void of %s refused: %s", auth.Reference, res.Reason))
		}
		return res, nil
	}
	capture := func(ctx context.Context, sc StepContext) (any, error) {
		auth, ok := LookupTyped[AuthorizeResult](sc, StepAuthorize)
		if !ok {
			return nil, SystemFailure(CodeInternal, errors.New("capture without a recorded authorization"))
		}
		res, err := gw.Capture(ctx, sc.OperationKey, auth.Reference, sc.Transaction.Amount, sc.Transaction.Payee)
		if err != nil {
			return nil, err
		}
		if !res.Settled {
			return nil, declined(res.DeclineCode, res.Reason)
		}
		return res, nil
	}

	return []StepDefinition{
		NewCompensableStep(StepAuthorize, authorize, StepVoid, void),
		NewStep(StepCapture, capture),
	}
}
