package gate

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paygate-labs/paygate/internal/facilitator"
	"github.com/paygate-labs/paygate/internal/model"
	"github.com/paygate-labs/paygate/internal/pkg/logger"
	"github.com/paygate-labs/paygate/internal/pkg/metrics"
	"github.com/paygate-labs/paygate/internal/pricing"
	"github.com/paygate-labs/paygate/internal/replay"
	"github.com/paygate-labs/paygate/internal/signer"
)

// ContextPaymentKey is where the verified payment result is stored for
// downstream handlers.
const ContextPaymentKey = "paygate_payment"

// Journal receives finalized payment records. Recording must not block the
// request path.
type Journal interface {
	Record(rec *model.SettlementRecord)
}

// Gate is the payment gate controller. It orchestrates pricing, parsing,
// replay deduplication and facilitator verification into a single
// allow/deny decision per request.
type Gate struct {
	resolver   *pricing.Resolver
	cache      replay.Store
	client     facilitator.Client
	verifier   *signer.Verifier
	journal    Journal
	payTo      string
	network    string
	verifyOnly bool
	grace      time.Duration
	callBudget time.Duration
}

type Options struct {
	PayTo      string
	Network    string
	VerifyOnly bool
	Grace      time.Duration
	// CallBudget bounds the whole verify(+settle) exchange for one request.
	CallBudget time.Duration
	Journal    Journal
}

func New(resolver *pricing.Resolver, cache replay.Store, client facilitator.Client, verifier *signer.Verifier, opts Options) *Gate {
	grace := opts.Grace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	budget := opts.CallBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Gate{
		resolver:   resolver,
		cache:      cache,
		client:     client,
		verifier:   verifier,
		journal:    opts.Journal,
		payTo:      opts.PayTo,
		network:    opts.Network,
		verifyOnly: opts.VerifyOnly,
		grace:      grace,
		callBudget: budget,
	}
}

// Middleware returns the gin middleware implementing the gate state
// machine. Unpriced routes pass through untouched; priced routes must
// present a valid, unreplayed, sufficiently funded authorization.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule := g.resolver.Match(c.Request.URL.Path)
		if rule == nil {
			c.Next()
			return
		}

		req, err := g.resolver.Requirement(c.Request.Context(), rule, resourceURL(c))
		if err != nil {
			logger.LogError(c.Request.Context(), err, "Pricing lookup failed", "path", c.Request.URL.Path)
			g.unavailable(c, nil, model.ReasonPricingUnavailable, time.Second)
			return
		}

		raw := c.GetHeader(model.HeaderPayment)
		if raw == "" {
			g.challenge(c, req, model.ReasonPaymentRequired)
			return
		}

		payload, reason := g.parse(raw, req)
		if reason != "" {
			g.reject(c, req, reason)
			return
		}

		// The facilitator call and the cache lifecycle run on a detached
		// context: a client abort must never orphan a reservation.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), g.callBudget)
		defer cancel()

		auth := &payload.Payload.Authorization
		nonce := payload.NonceKey()
		expiresAt := time.Unix(auth.ValidBeforeUnix(), 0).Add(g.grace)

		existing, acquired, err := g.cache.Reserve(dctx, nonce, expiresAt)
		if err != nil {
			logger.LogError(dctx, err, "Replay cache unavailable", "path", c.Request.URL.Path)
			g.unavailable(c, req, model.ReasonVerificationUnavailable, time.Second)
			return
		}
		if !acquired {
			g.serveCached(c, req, existing)
			return
		}

		g.verifyAndDecide(c, dctx, payload, req, nonce)
	}
}

// parse applies the pure local checks: structure, network, payee, window,
// amount, and the signature pre-check. It returns a reason code on
// rejection, all without any network I/O.
func (g *Gate) parse(raw string, req *model.PaymentRequirements) (*model.PaymentPayload, string) {
	payload, err := model.DecodePayment(raw)
	if err != nil {
		return nil, model.ReasonMalformed
	}
	if payload.Scheme != "" && payload.Scheme != model.SchemeExact {
		return nil, model.ReasonUnsupportedScheme
	}
	if err := payload.Validate(); err != nil {
		return nil, model.ReasonMalformed
	}
	if payload.Network != g.network {
		return nil, model.ReasonUnsupportedNetwork
	}

	auth := &payload.Payload.Authorization
	if !strings.EqualFold(auth.To, g.payTo) {
		return nil, model.ReasonInvalidPayee
	}

	now := time.Now().Unix()
	if now < auth.ValidAfterUnix() {
		return nil, model.ReasonNotYetValid
	}
	if now >= auth.ValidBeforeUnix() {
		return nil, model.ReasonExpired
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, model.ReasonMalformed
	}
	if auth.ValueBig().Cmp(required) < 0 {
		return nil, model.ReasonInsufficientAmount
	}

	if req.Extra != nil {
		domain := model.SigningDomain{Name: req.Extra["name"], Version: req.Extra["version"]}
		token := common.HexToAddress(req.Asset)
		if err := g.verifier.VerifyAuthorization(payload, token, domain); err != nil {
			return nil, model.ReasonSignatureInvalid
		}
	}
	return payload, ""
}

// serveCached resolves a request whose nonce already has a cache entry.
func (g *Gate) serveCached(c *gin.Context, req *model.PaymentRequirements, entry *replay.Entry) {
	switch {
	case entry == nil || entry.Pending:
		metrics.ReplayHits.WithLabelValues("pending").Inc()
		g.unavailable(c, req, model.ReasonInProgress, time.Second)
	case entry.Verified:
		metrics.ReplayHits.WithLabelValues("verified").Inc()
		metrics.GateDecisions.WithLabelValues("pass_through", "cached").Inc()
		c.Next()
	default:
		metrics.ReplayHits.WithLabelValues("rejected").Inc()
		reason := entry.Reason
		if reason == "" {
			reason = model.ReasonReplayed
		}
		g.reject(c, req, reason)
	}
}

// verifyAndDecide holds the cache reservation through the facilitator
// exchange and always finalizes or releases it.
func (g *Gate) verifyAndDecide(c *gin.Context, dctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements, nonce string) {
	vres, err := g.client.Verify(dctx, payload, req)
	if err != nil {
		g.handleFacilitatorError(c, dctx, req, nonce, err)
		return
	}
	if !vres.Valid {
		reason := vres.Reason
		if reason == "" {
			reason = model.ReasonFacilitatorRejected
		}
		g.finalizeReject(c, dctx, req, nonce, reason)
		return
	}

	ref := ""
	network := g.network
	payer := vres.Payer
	if !g.verifyOnly {
		sres, err := g.client.Settle(dctx, payload, req)
		if err != nil {
			g.handleFacilitatorError(c, dctx, req, nonce, err)
			return
		}
		if !sres.Success {
			reason := sres.Reason
			if reason == "" {
				reason = model.ReasonFacilitatorRejected
			}
			g.finalizeReject(c, dctx, req, nonce, reason)
			return
		}
		ref = sres.Transaction
		if sres.Network != "" {
			network = sres.Network
		}
		if sres.Payer != "" {
			payer = sres.Payer
		}
	}

	if err := g.cache.Finalize(dctx, nonce, true, "", ref); err != nil {
		logger.LogError(dctx, err, "Failed to finalize replay entry", "nonce", nonce)
	}
	g.record(nonce, payer, req, network, ref)

	if ref != "" {
		header := model.SettlementHeader{Success: true, Transaction: ref, Network: network, Payer: payer}
		if enc, err := model.EncodeSettlementHeader(&header); err == nil {
			c.Header(model.HeaderPaymentResponse, enc)
		}
	}

	logger.Info("Payment verified", "payer", payer, "nonce", nonce, "amount", req.MaxAmountRequired, "tx", ref)
	metrics.GateDecisions.WithLabelValues("pass_through", "verified").Inc()
	c.Set(ContextPaymentKey, vres)
	c.Next()
}

func (g *Gate) handleFacilitatorError(c *gin.Context, dctx context.Context, req *model.PaymentRequirements, nonce string, err error) {
	if errors.Is(err, facilitator.ErrUnreachable) {
		// Transient: release so the client can legitimately retry.
		if rerr := g.cache.Release(dctx, nonce); rerr != nil {
			logger.LogError(dctx, rerr, "Failed to release replay entry", "nonce", nonce)
		}
		logger.LogError(dctx, err, "Facilitator unreachable", "nonce", nonce)
		g.unavailable(c, req, model.ReasonFacilitatorUnreachable, 2*time.Second)
		return
	}
	g.finalizeReject(c, dctx, req, nonce, model.ReasonFacilitatorRejected)
}

func (g *Gate) finalizeReject(c *gin.Context, dctx context.Context, req *model.PaymentRequirements, nonce, reason string) {
	if err := g.cache.Finalize(dctx, nonce, false, reason, ""); err != nil {
		logger.LogError(dctx, err, "Failed to finalize replay entry", "nonce", nonce)
	}
	g.record(nonce, "", req, g.network, "")
	g.reject(c, req, reason)
}

func (g *Gate) record(nonce, payer string, req *model.PaymentRequirements, network, ref string) {
	if g.journal == nil {
		return
	}
	outcome := "verified"
	if ref == "" && g.verifyOnly {
		outcome = "verified_unsettled"
	}
	if payer == "" {
		outcome = "rejected"
	}
	g.journal.Record(&model.SettlementRecord{
		ID:        uuid.NewString(),
		Nonce:     nonce,
		Payer:     strings.ToLower(payer),
		PayTo:     strings.ToLower(g.payTo),
		Asset:     req.Asset,
		Amount:    req.MaxAmountRequired,
		Network:   network,
		TxHash:    ref,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	})
}
