package gate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paygate-labs/paygate/internal/facilitator"
	"github.com/paygate-labs/paygate/internal/model"
	"github.com/paygate-labs/paygate/internal/pkg/metrics"
)

// challenge emits the 402 price-discovery document. Its shape is a wire
// contract: automated clients parse it to construct the authorization for
// their next attempt.
func (g *Gate) challenge(c *gin.Context, req *model.PaymentRequirements, reason string) {
	metrics.GateDecisions.WithLabelValues("challenge", reason).Inc()
	c.JSON(http.StatusPaymentRequired, model.PaymentRequired{
		X402Version: model.X402Version,
		Error:       reason,
		Accepts:     accepts(req),
	})
	c.Abort()
}

// reject is a 402 carrying the failure reason code alongside the accepted
// payment options, so the client can tell "pay more" from "do not retry".
func (g *Gate) reject(c *gin.Context, req *model.PaymentRequirements, reason string) {
	metrics.GateDecisions.WithLabelValues("reject", reason).Inc()
	c.JSON(http.StatusPaymentRequired, model.PaymentRequired{
		X402Version: model.X402Version,
		Error:       reason,
		Accepts:     accepts(req),
	})
	c.Abort()
}

// unavailable is the 503 path for transient failures; the Retry-After hint
// tells well-behaved clients when a retry is worthwhile.
func (g *Gate) unavailable(c *gin.Context, req *model.PaymentRequirements, reason string, retryAfter time.Duration) {
	metrics.GateDecisions.WithLabelValues("unavailable", reason).Inc()
	c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	c.JSON(http.StatusServiceUnavailable, model.PaymentRequired{
		X402Version: model.X402Version,
		Error:       reason,
		Accepts:     accepts(req),
	})
	c.Abort()
}

func accepts(req *model.PaymentRequirements) []model.PaymentRequirements {
	if req == nil {
		return []model.PaymentRequirements{}
	}
	return []model.PaymentRequirements{*req}
}

func resourceURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

// GetPayment returns the verified payment result for the current request,
// or nil when the route was unpriced.
func GetPayment(c *gin.Context) *facilitator.VerifyResult {
	value, exists := c.Get(ContextPaymentKey)
	if !exists {
		return nil
	}
	result, ok := value.(*facilitator.VerifyResult)
	if !ok {
		return nil
	}
	return result
}
