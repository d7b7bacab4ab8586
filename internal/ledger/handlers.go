package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/starboard-app/starboard/internal/initdata"
	"github.com/starboard-app/starboard/internal/logging"
	"github.com/starboard-app/starboard/internal/pagination"
)

// Authenticator verifies init data, refreshes the caller's stored profile
// and returns the caller's user id. Any error means the init data was
// rejected.
type Authenticator interface {
	RefreshProfile(ctx context.Context, initData string) (int64, error)
}

// Handler provides HTTP endpoints for ledger reads
type Handler struct {
	ledger *Ledger
	auth   Authenticator
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, auth Authenticator, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, auth: auth, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/leaderboard", h.GetLeaderboard)
	r.GET("/me", h.GetMe)
}

// GetLeaderboard handles GET /leaderboard?limit=&offset=
//
// The init data header is optional here. When present it must be valid, and
// the caller's profile is refreshed before the read.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	ctx := c.Request.Context()

	if raw := c.GetHeader(initdata.HeaderName); raw != "" && h.auth != nil {
		userID, err := h.auth.RefreshProfile(ctx, raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_init_data",
				"message": "Init data failed verification",
			})
			return
		}
		ctx = logging.WithUserID(ctx, userID)
	}

	limit := queryInt(c, "limit", DefaultLimit)
	offset := queryInt(c, "offset", 0)
	page := pagination.Clamp(limit, offset, MaxLimit)

	entries, err := h.ledger.Leaderboard(ctx, page.Limit, page.Offset)
	if err != nil {
		logging.LOr(ctx, h.logger).Error("leaderboard_failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "leaderboard_unavailable",
			"message": "Failed to retrieve leaderboard",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"leaderboard": entries,
		"limit":       page.Limit,
		"offset":      page.Offset,
	})
}

// GetMe handles GET /me: the caller's own row and credit journal.
func (h *Handler) GetMe(c *gin.Context) {
	ctx := c.Request.Context()

	raw := c.GetHeader(initdata.HeaderName)
	if raw == "" || h.auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_init_data",
			"message": "Missing init data",
		})
		return
	}
	userID, err := h.auth.RefreshProfile(ctx, raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_init_data",
			"message": "Init data failed verification",
		})
		return
	}

	entry, err := h.ledger.Entry(ctx, userID)
	if errors.Is(err, ErrEntryNotFound) {
		entry = &Entry{UserID: userID}
	} else if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Failed to retrieve entry",
		})
		return
	}

	credits, err := h.ledger.Credits(ctx, userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger_unavailable",
			"message": "Failed to retrieve credits",
		})
		return
	}
	if credits == nil {
		credits = []*Credit{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entry":   entry,
		"credits": credits,
	})
}

// queryInt parses an integer query parameter. Missing or unparsable values
// fall back to def; range clamping happens afterwards.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
