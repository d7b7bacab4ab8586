package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/starboard-app/starboard/internal/ledger"
	"github.com/starboard-app/starboard/internal/logging"
	"github.com/starboard-app/starboard/internal/metrics"
	"github.com/starboard-app/starboard/internal/purchase"
)

// Payments is the purchase flow the router drives.
type Payments interface {
	PreCheckout(ctx context.Context, q purchase.PreCheckoutQuery) error
	ConfirmPayment(ctx context.Context, p purchase.Payment) (*ledger.CreditResult, error)
}

// Profiles stores user profiles seen in bot messages.
type Profiles interface {
	UpsertProfile(ctx context.Context, p *ledger.Profile) error
}

// Responder sends answers back to the Bot API.
type Responder interface {
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, message string) error
	SendWelcome(ctx context.Context, chatID int64, text, buttonText, appURL string) error
}

// Welcome configures the /start reply.
type Welcome struct {
	Text       string
	ButtonText string
	AppURL     string
}

// DefaultWelcomeText greets users on /start.
const DefaultWelcomeText = "Hi! 🎁\nTap the button below to open the mini app and pick up your gifts."

var rejectionMessages = map[purchase.Reason]string{
	purchase.ReasonInvalidPayload:  "Invalid payment data.",
	purchase.ReasonInvalidCurrency: "Wrong currency.",
	purchase.ReasonInvalidAmount:   "Invalid amount.",
	purchase.ReasonAmountMismatch:  "Amount mismatch.",
	purchase.ReasonUserMismatch:    "Payment from another user.",
}

// RejectionMessage is the text shown to a payer whose pre-checkout was
// refused for reason.
func RejectionMessage(reason purchase.Reason) string {
	if msg, ok := rejectionMessages[reason]; ok {
		return msg
	}
	return "Payment could not be verified."
}

// Router dispatches polled updates.
type Router struct {
	payments  Payments
	profiles  Profiles
	responder Responder
	welcome   Welcome
	logger    *slog.Logger
}

// NewRouter creates an update router.
func NewRouter(payments Payments, profiles Profiles, responder Responder, welcome Welcome, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if welcome.Text == "" {
		welcome.Text = DefaultWelcomeText
	}
	return &Router{
		payments:  payments,
		profiles:  profiles,
		responder: responder,
		welcome:   welcome,
		logger:    logger,
	}
}

// HandleUpdate implements UpdateHandler.
func (r *Router) HandleUpdate(ctx context.Context, update *models.Update) {
	ctx = logging.WithRequestID(ctx, "upd_"+strconv.FormatInt(update.ID, 10))

	kind := "ignored"
	switch {
	case update.PreCheckoutQuery != nil:
		kind = "pre_checkout_query"
		r.handlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		kind = "successful_payment"
		r.handlePayment(ctx, update.Message)
	case update.Message != nil && isStartCommand(update.Message.Text):
		kind = "start"
		r.handleStart(ctx, update.Message)
	}
	metrics.BotUpdatesTotal.WithLabelValues(kind).Inc()
}

func (r *Router) handlePreCheckout(ctx context.Context, q *models.PreCheckoutQuery) {
	query := purchase.PreCheckoutQuery{
		ID:             q.ID,
		From:           payerFrom(q.From),
		Currency:       q.Currency,
		TotalAmount:    int64(q.TotalAmount),
		InvoicePayload: q.InvoicePayload,
	}

	ok, message := true, ""
	if err := r.payments.PreCheckout(ctx, query); err != nil {
		reason, _ := purchase.ReasonOf(err)
		ok, message = false, RejectionMessage(reason)
	}

	if err := r.responder.AnswerPreCheckout(ctx, q.ID, ok, message); err != nil {
		logging.LOr(ctx, r.logger).Error("pre_checkout_answer_failed", "query_id", q.ID, "error", err)
	}
}

func (r *Router) handlePayment(ctx context.Context, m *models.Message) {
	sp := m.SuccessfulPayment
	_, err := r.payments.ConfirmPayment(ctx, purchase.Payment{
		From:             payerFrom(m.From),
		Currency:         sp.Currency,
		TotalAmount:      int64(sp.TotalAmount),
		InvoicePayload:   sp.InvoicePayload,
		ChargeID:         sp.TelegramPaymentChargeID,
		ProviderChargeID: sp.ProviderPaymentChargeID,
	})
	if err != nil {
		// Service messages are not redelivered.
		logging.LOr(ctx, r.logger).Error("payment_not_credited",
			"charge_id", sp.TelegramPaymentChargeID,
			"payload", sp.InvoicePayload,
			"error", err,
		)
	}
}

func (r *Router) handleStart(ctx context.Context, m *models.Message) {
	if m.From != nil {
		p := payerFrom(m.From)
		profile := &ledger.Profile{
			UserID:    p.ID,
			Username:  optional(p.Username),
			FirstName: optional(p.FirstName),
			LastName:  optional(p.LastName),
		}
		if err := r.profiles.UpsertProfile(ctx, profile); err != nil {
			logging.LOr(ctx, r.logger).Warn("upsert_profile_failed", "user_id", p.ID, "error", err)
		}
	}

	if err := r.responder.SendWelcome(ctx, m.Chat.ID, r.welcome.Text, r.welcome.ButtonText, r.welcome.AppURL); err != nil {
		logging.LOr(ctx, r.logger).Error("welcome_failed", "chat_id", m.Chat.ID, "error", err)
	}
}

func isStartCommand(text string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/start"
}

func payerFrom(u *models.User) purchase.Payer {
	if u == nil {
		return purchase.Payer{}
	}
	return purchase.Payer{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
