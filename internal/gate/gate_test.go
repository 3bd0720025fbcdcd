package gate

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-labs/paygate/internal/facilitator"
	"github.com/paygate-labs/paygate/internal/model"
	"github.com/paygate-labs/paygate/internal/pricing"
	"github.com/paygate-labs/paygate/internal/replay"
	"github.com/paygate-labs/paygate/internal/signer"
)

const (
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testPayer   = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testUSDC    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testNetwork = "base-sepolia"
	testChainID = 84532
)

// plainAsset skips the local signature pre-check; signedAsset enables it.
var (
	plainAsset  = model.Asset{Address: testUSDC, Decimals: 6}
	signedAsset = model.Asset{
		Address:  testUSDC,
		Decimals: 6,
		EIP712:   &model.SigningDomain{Name: "USDC", Version: "2"},
	}
)

type fakeFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32

	verifyErr    error
	verifyResult *facilitator.VerifyResult
	settleErr    error
	settleResult *facilitator.SettleResult
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*facilitator.VerifyResult, error) {
	f.verifyCalls.Add(1)
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verifyResult != nil {
		return f.verifyResult, nil
	}
	return &facilitator.VerifyResult{Valid: true, Payer: payload.Payload.Authorization.From}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*facilitator.SettleResult, error) {
	f.settleCalls.Add(1)
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	if f.settleResult != nil {
		return f.settleResult, nil
	}
	return &facilitator.SettleResult{
		Success:     true,
		Transaction: "0xsettled",
		Network:     testNetwork,
		Payer:       payload.Payload.Authorization.From,
	}, nil
}

type testEnv struct {
	router *gin.Engine
	fac    *fakeFacilitator
	store  *replay.MemoryStore
	served atomic.Int32
}

func newTestEnv(t *testing.T, asset model.Asset, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rules := []model.PricingRule{{
		Pattern:           "/api/premium/*",
		Atomic:            &model.AtomicPrice{Amount: "100000", Asset: asset},
		MaxTimeoutSeconds: 60,
	}}
	resolver, err := pricing.NewResolver(rules, pricing.NewFixedOracle(decimal.NewFromInt(1)), testPayTo, testNetwork, asset)
	require.NoError(t, err)

	env := &testEnv{
		fac:   &fakeFacilitator{},
		store: replay.NewMemoryStore(),
	}

	opts.PayTo = testPayTo
	opts.Network = testNetwork
	g := New(resolver, env.store, env.fac, signer.NewVerifier(testChainID), opts)

	router := gin.New()
	router.Use(g.Middleware())
	router.GET("/free", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"free": true})
	})
	router.GET("/api/premium/content", func(c *gin.Context) {
		env.served.Add(1)
		c.JSON(http.StatusOK, gin.H{"content": "paid"})
	})
	env.router = router
	return env
}

func (e *testEnv) get(path, payment string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if payment != "" {
		req.Header.Set(model.HeaderPayment, payment)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func randomNonce(t *testing.T) string {
	t.Helper()
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	return hexutil.Encode(nonce)
}

type authOverrides struct {
	to          string
	value       string
	validAfter  int64
	validBefore int64
	network     string
	nonce       string
	key         *ecdsa.PrivateKey
}

func paymentHeader(t *testing.T, ov authOverrides) string {
	t.Helper()
	now := time.Now().Unix()

	auth := model.ExactAuthorization{
		From:        testPayer,
		To:          testPayTo,
		Value:       "100000",
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+300, 10),
		Nonce:       ov.nonce,
	}
	if auth.Nonce == "" {
		auth.Nonce = randomNonce(t)
	}
	if ov.to != "" {
		auth.To = ov.to
	}
	if ov.value != "" {
		auth.Value = ov.value
	}
	if ov.validAfter != 0 {
		auth.ValidAfter = strconv.FormatInt(ov.validAfter, 10)
	}
	if ov.validBefore != 0 {
		auth.ValidBefore = strconv.FormatInt(ov.validBefore, 10)
	}

	network := testNetwork
	if ov.network != "" {
		network = ov.network
	}

	sig := "0x" + fmt.Sprintf("%0130x", 1) // placeholder, 65 bytes
	if ov.key != nil {
		auth.From = crypto.PubkeyToAddress(ov.key.PublicKey).Hex()
		v := signer.NewVerifier(testChainID)
		signed, err := v.Sign(ov.key, &auth, common.HexToAddress(testUSDC), *signedAsset.EIP712)
		require.NoError(t, err)
		sig = signed
	}

	payload := model.PaymentPayload{
		X402Version: model.X402Version,
		Scheme:      model.SchemeExact,
		Network:     network,
		Payload: model.ExactPayload{
			Signature:     sig,
			Authorization: auth,
		},
	}
	data, err := json.Marshal(&payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) *model.PaymentRequired {
	t.Helper()
	var body model.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return &body
}

func TestUnpricedRoutePassesThrough(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/free", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(model.HeaderPaymentResponse))
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestMissingHeaderGetsChallenge(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	body := decodeChallenge(t, w)
	assert.Equal(t, model.X402Version, body.X402Version)
	assert.Equal(t, model.ReasonPaymentRequired, body.Error)
	require.Len(t, body.Accepts, 1)
	accept := body.Accepts[0]
	assert.Equal(t, model.SchemeExact, accept.Scheme)
	assert.Equal(t, testNetwork, accept.Network)
	assert.Equal(t, "100000", accept.MaxAmountRequired)
	assert.Equal(t, testPayTo, accept.PayTo)
	assert.Equal(t, testUSDC, accept.Asset)
	assert.Contains(t, accept.Resource, "/api/premium/content")
	assert.Equal(t, int32(0), env.served.Load())
}

func TestMalformedHeaderRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	for _, raw := range []string{"!!!", base64.StdEncoding.EncodeToString([]byte("{}"))} {
		w := env.get("/api/premium/content", raw)
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, model.ReasonMalformed, decodeChallenge(t, w).Error)
	}
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestWrongNetworkRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{network: "base"}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonUnsupportedNetwork, decodeChallenge(t, w).Error)
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestWrongPayeeRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{to: testPayer}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonInvalidPayee, decodeChallenge(t, w).Error)
}

func TestExpiredRejectedLocally(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	now := time.Now().Unix()

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{
		validAfter:  now - 600,
		validBefore: now - 300,
	}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonExpired, decodeChallenge(t, w).Error)
	// Expired authorizations never reach the facilitator.
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestNotYetValidRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	now := time.Now().Unix()

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{
		validAfter:  now + 300,
		validBefore: now + 600,
	}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonNotYetValid, decodeChallenge(t, w).Error)
}

func TestInsufficientAmountRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{value: "50000"}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonInsufficientAmount, decodeChallenge(t, w).Error)
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestOverpaymentAccepted(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{value: "200000"}))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidPaymentSettlesAndPasses(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.served.Load())
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
	assert.Equal(t, int32(1), env.fac.settleCalls.Load())

	raw := w.Header().Get(model.HeaderPaymentResponse)
	require.NotEmpty(t, raw)
	data, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err)
	var settlement model.SettlementHeader
	require.NoError(t, json.Unmarshal(data, &settlement))
	assert.True(t, settlement.Success)
	assert.Equal(t, "0xsettled", settlement.Transaction)
}

func TestVerifyOnlySkipsSettlement(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{VerifyOnly: true})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
	assert.Equal(t, int32(0), env.fac.settleCalls.Load())
	assert.Empty(t, w.Header().Get(model.HeaderPaymentResponse))
}

func TestReplayedNonceServedFromCache(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	header := paymentHeader(t, authOverrides{})

	w := env.get("/api/premium/content", header)
	require.Equal(t, http.StatusOK, w.Code)

	// Same authorization again: passes without another facilitator call.
	w = env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), env.served.Load())
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
	assert.Equal(t, int32(1), env.fac.settleCalls.Load())
}

func TestRejectedNonceStaysRejected(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	env.fac.verifyResult = &facilitator.VerifyResult{Valid: false, Reason: "insufficient_funds"}
	header := paymentHeader(t, authOverrides{})

	w := env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", decodeChallenge(t, w).Error)

	// The cached outcome answers the replay; the facilitator is not asked twice.
	w = env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", decodeChallenge(t, w).Error)
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
}

func TestTransientFailureReleasesReservation(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	env.fac.verifyErr = fmt.Errorf("%w: connection refused", facilitator.ErrUnreachable)
	header := paymentHeader(t, authOverrides{})

	w := env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, model.ReasonFacilitatorUnreachable, decodeChallenge(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Recovery: the same authorization must be retryable.
	env.fac.verifyErr = nil
	w = env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), env.fac.verifyCalls.Load())
}

func TestPermanentFacilitatorErrorRejects(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	env.fac.verifyErr = fmt.Errorf("%w: status 400", facilitator.ErrRejected)

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonFacilitatorRejected, decodeChallenge(t, w).Error)
}

func TestSettlementFailureRejects(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	env.fac.settleResult = &facilitator.SettleResult{Success: false, Reason: "insufficient_funds"}
	header := paymentHeader(t, authOverrides{})

	w := env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", decodeChallenge(t, w).Error)
	assert.Equal(t, int32(0), env.served.Load())

	// Settlement failures are final for this nonce.
	w = env.get("/api/premium/content", header)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, int32(1), env.fac.settleCalls.Load())
}

func TestConcurrentSameNonceVerifiesOnce(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	header := paymentHeader(t, authOverrides{})

	const n = 8
	codes := make(chan int, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			<-start
			codes <- env.get("/api/premium/content", header).Code
		}()
	}
	close(start)

	var ok, retry int
	for i := 0; i < n; i++ {
		switch code := <-codes; code {
		case http.StatusOK:
			ok++
		case http.StatusServiceUnavailable:
			retry++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}

	// Losers of the reservation race either saw the cached verified entry
	// or were told to retry; the facilitator was consulted exactly once.
	assert.GreaterOrEqual(t, ok, 1)
	assert.Equal(t, n, ok+retry)
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
	assert.Equal(t, int32(1), env.fac.settleCalls.Load())
}

func TestInProgressNonceGetsRetryLater(t *testing.T) {
	env := newTestEnv(t, plainAsset, Options{})
	nonce := randomNonce(t)

	// Another request holds the reservation.
	_, acquired, err := env.store.Reserve(context.Background(), nonce, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, acquired)

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{nonce: nonce}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, model.ReasonInProgress, decodeChallenge(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())
}

func TestSignaturePreCheck(t *testing.T) {
	env := newTestEnv(t, signedAsset, Options{})

	// A signature that does not recover to the payer is rejected locally.
	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{}))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ReasonSignatureInvalid, decodeChallenge(t, w).Error)
	assert.Equal(t, int32(0), env.fac.verifyCalls.Load())

	// A properly signed authorization goes through.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w = env.get("/api/premium/content", paymentHeader(t, authOverrides{key: key}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.fac.verifyCalls.Load())
}

func TestJournalRecordsOutcomes(t *testing.T) {
	records := make(chan *model.SettlementRecord, 4)
	env := newTestEnv(t, plainAsset, Options{Journal: journalFunc(func(rec *model.SettlementRecord) {
		records <- rec
	})})

	w := env.get("/api/premium/content", paymentHeader(t, authOverrides{}))
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case rec := <-records:
		assert.Equal(t, "verified", rec.Outcome)
		assert.Equal(t, "0xsettled", rec.TxHash)
		assert.Equal(t, "100000", rec.Amount)
		assert.NotEmpty(t, rec.ID)
	case <-time.After(time.Second):
		t.Fatal("no journal record")
	}
}

type journalFunc func(rec *model.SettlementRecord)

func (f journalFunc) Record(rec *model.SettlementRecord) { f(rec) }

func TestPricingFailureIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rules := []model.PricingRule{{
		Pattern: "/api/premium/*",
		Flat:    &model.FlatPrice{Currency: "USD", Amount: decimal.RequireFromString("0.001")},
	}}
	resolver, err := pricing.NewResolver(rules, brokenOracle{}, testPayTo, testNetwork, plainAsset)
	require.NoError(t, err)

	g := New(resolver, replay.NewMemoryStore(), &fakeFacilitator{}, signer.NewVerifier(testChainID), Options{
		PayTo:   testPayTo,
		Network: testNetwork,
	})
	router := gin.New()
	router.Use(g.Middleware())
	router.GET("/api/premium/content", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/premium/content", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, model.ReasonPricingUnavailable, decodeChallenge(t, w).Error)
}

type brokenOracle struct{}

func (brokenOracle) SpotPrice(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("oracle down")
}
