package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paygate-labs/paygate/internal/gate"
)

// ContentHandler serves the demo paid endpoints behind the gate. The
// handlers themselves know nothing about payments; by the time they run,
// the gate has already verified the request.
type ContentHandler struct{}

func NewContentHandler() *ContentHandler {
	return &ContentHandler{}
}

func (h *ContentHandler) Weather(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"report": gin.H{
			"weather":     "sunny",
			"temperature": 70,
			"location":    "San Francisco, CA",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (h *ContentHandler) Premium(c *gin.Context) {
	resp := gin.H{
		"content": "This is premium content unlocked by your payment.",
		"features": []string{
			"Full resolution data",
			"Historical archive access",
			"Priority support",
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if payment := gate.GetPayment(c); payment != nil {
		resp["payer"] = payment.Payer
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ContentHandler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "paygate",
		"endpoints": gin.H{
			"/api/weather":         "flat priced, $0.001 per request",
			"/api/premium/content": "atomic priced per request",
		},
	})
}
