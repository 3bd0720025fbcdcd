package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paygate-labs/paygate/internal/pkg/apperrors"
	"github.com/paygate-labs/paygate/internal/service"
)

// SettlementHandler exposes the settlement journal for operators.
type SettlementHandler struct {
	journal *service.Journal
}

func NewSettlementHandler(journal *service.Journal) *SettlementHandler {
	return &SettlementHandler{journal: journal}
}

// List returns recent settlement records, newest first.
// GET /admin/settlements?payer=0x..&limit=100&from=RFC3339&to=RFC3339
func (h *SettlementHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Error(apperrors.New(apperrors.ErrInvalidRequest, "limit must be a positive integer", err))
			return
		}
		limit = n
	}

	var from, to *time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.Error(apperrors.New(apperrors.ErrInvalidRequest, "from must be RFC3339", err))
			return
		}
		from = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.Error(apperrors.New(apperrors.ErrInvalidRequest, "to must be RFC3339", err))
			return
		}
		to = &t
	}

	records, err := h.journal.List(c.Request.Context(), c.Query("payer"), limit, from, to)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to list settlements", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":       len(records),
		"settlements": records,
	})
}
