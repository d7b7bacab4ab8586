package purchase

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/starboard-app/starboard/internal/initdata"
)

// maxInvoiceBody bounds the POST /invoice request body.
const maxInvoiceBody = 1 << 10

// Handler provides HTTP endpoints for purchases
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new purchase handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up purchase routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/invoice", h.CreateInvoice)
	r.POST("/invoice", h.CreateInvoice)
}

// CreateInvoice handles GET /invoice?amount=N and POST /invoice {"amount":N}.
func (h *Handler) CreateInvoice(c *gin.Context) {
	// An unparsable amount becomes 0, which no allow-list contains, so the
	// caller is still authenticated before being told the amount is invalid.
	amount, _ := requestAmount(c)

	inv, err := h.service.IssueInvoice(c.Request.Context(), c.GetHeader(initdata.HeaderName), amount)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"invoice_link": inv.Link})
	case errors.Is(err, ErrInvalidInitData):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_init_data",
			"message": "Init data failed verification",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount is not offered",
			"allowed": h.service.validator.allowed.Amounts(),
		})
	case errors.Is(err, ErrInvoiceCreation):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "invoice_creation_failed",
			"message": "Payment provider did not issue an invoice",
		})
	default:
		h.logger.Error("invoice_unexpected_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create invoice",
		})
	}
}

// requestAmount reads the amount from the query string or a JSON body. Only
// JSON integers are accepted in the body.
func requestAmount(c *gin.Context) (int64, bool) {
	if raw := c.Query("amount"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		return n, err == nil
	}
	if c.Request.Method != http.MethodPost || c.Request.Body == nil {
		return 0, false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInvoiceBody))
	if err != nil {
		return 0, false
	}
	var req struct {
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, false
	}
	raw := bytes.TrimSpace(req.Amount)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}
