package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Protocol constants for the x402 "exact" scheme.
const (
	X402Version = 1
	SchemeExact = "exact"

	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
)

// Machine-parsable reason codes surfaced in challenge bodies. Automated
// clients branch on these, so they are part of the wire contract.
const (
	ReasonPaymentRequired         = "payment_required"
	ReasonMalformed               = "malformed_authorization"
	ReasonUnsupportedScheme       = "unsupported_scheme"
	ReasonUnsupportedNetwork      = "unsupported_network"
	ReasonInvalidPayee            = "invalid_payee"
	ReasonInsufficientAmount      = "insufficient_amount"
	ReasonExpired                 = "expired"
	ReasonNotYetValid             = "not_yet_valid"
	ReasonSignatureInvalid        = "signature_invalid"
	ReasonReplayed                = "replayed"
	ReasonInProgress              = "payment_in_progress"
	ReasonFacilitatorRejected     = "facilitator_rejected"
	ReasonFacilitatorUnreachable  = "facilitator_unreachable"
	ReasonPricingUnavailable      = "pricing_unavailable"
	ReasonVerificationUnavailable = "verification_unavailable"
)

// ExactAuthorization carries the EIP-3009 TransferWithAuthorization
// parameters. Numeric fields are decimal strings, the nonce is a 32-byte
// hex string.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific body of a PaymentPayload.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// PaymentPayload is the decoded X-Payment header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentRequirements is one element of the challenge "accepts" array and
// the requirement object sent to the facilitator.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description,omitempty"`
	MimeType          string            `json:"mimeType,omitempty"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge body.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SettlementHeader is the X-Payment-Response payload attached on settled
// pass-through responses.
type SettlementHeader struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// DecodePayment parses a base64-encoded X-Payment header value. Decoding is
// pure; it performs no I/O and no signature checks.
func DecodePayment(raw string) (*PaymentPayload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some clients strip padding
		data, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base64: %w", err)
		}
	}
	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment json: %w", err)
	}
	return &payload, nil
}

// Validate checks the structural invariants of the payload: protocol
// version, scheme, address formats, numeric fields, nonce and signature
// shape. It does not check the time window, the amount, or the signature
// itself; those are semantic checks the gate applies against a requirement.
func (p *PaymentPayload) Validate() error {
	if p.X402Version != X402Version {
		return fmt.Errorf("unsupported x402 version %d", p.X402Version)
	}
	if p.Scheme != SchemeExact {
		return fmt.Errorf("unsupported scheme %q", p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("missing network")
	}
	auth := &p.Payload.Authorization
	if !common.IsHexAddress(auth.From) {
		return fmt.Errorf("invalid from address")
	}
	if !common.IsHexAddress(auth.To) {
		return fmt.Errorf("invalid to address")
	}
	if _, ok := parseUint256(auth.Value); !ok {
		return fmt.Errorf("invalid value %q", auth.Value)
	}
	if _, ok := parseUint256(auth.ValidAfter); !ok {
		return fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	if _, ok := parseUint256(auth.ValidBefore); !ok {
		return fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return fmt.Errorf("invalid nonce")
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("invalid signature encoding")
	}
	return nil
}

// NonceKey returns the canonical replay-cache key for this payload.
func (p *PaymentPayload) NonceKey() string {
	return strings.ToLower(p.Payload.Authorization.Nonce)
}

// Value returns the authorized amount as a big integer. Callers must have
// validated the payload first.
func (a *ExactAuthorization) ValueBig() *big.Int {
	v, _ := parseUint256(a.Value)
	return v
}

// ValidAfterUnix returns the start of the validity window.
func (a *ExactAuthorization) ValidAfterUnix() int64 {
	v, _ := parseUint256(a.ValidAfter)
	return v.Int64()
}

// ValidBeforeUnix returns the end of the validity window.
func (a *ExactAuthorization) ValidBeforeUnix() int64 {
	v, _ := parseUint256(a.ValidBefore)
	return v.Int64()
}

func parseUint256(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, false
	}
	return v, true
}

// EncodeSettlementHeader serializes the settlement info for the
// X-Payment-Response header.
func EncodeSettlementHeader(h *SettlementHeader) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
