package facilitator

import (
	"context"
	"errors"

	"github.com/paygate-labs/paygate/internal/model"
)

// ErrUnreachable marks transient facilitator failures (timeout, connection
// refused, 5xx). Callers may retry; everything else is permanent.
var ErrUnreachable = errors.New("facilitator unreachable")

// ErrRejected marks a permanent protocol-level rejection from the
// facilitator. Never retried.
var ErrRejected = errors.New("facilitator rejected request")

// VerifyResult is the facilitator's judgment of an authorization. Reason is
// only set when Valid is false.
type VerifyResult struct {
	Valid  bool
	Reason string
	Payer  string
}

// SettleResult reports an on-chain settlement attempt.
type SettleResult struct {
	Success     bool
	Reason      string
	Transaction string
	Network     string
	Payer       string
}

// Client is the trust anchor the gate consults for chain-state checks. The
// gate never inspects chain state itself; it only needs this contract and
// the transient/permanent classification carried by the returned errors.
type Client interface {
	Verify(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*VerifyResult, error)
	Settle(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*SettleResult, error)
}
