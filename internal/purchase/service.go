package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/starboard-app/starboard/internal/idgen"
	"github.com/starboard-app/starboard/internal/initdata"
	"github.com/starboard-app/starboard/internal/ledger"
	"github.com/starboard-app/starboard/internal/logging"
	"github.com/starboard-app/starboard/internal/payload"
	"github.com/starboard-app/starboard/internal/retry"
	"github.com/starboard-app/starboard/internal/traces"
)

// InvoiceRequest is what the provider needs to issue an invoice link.
type InvoiceRequest struct {
	Title       string
	Description string
	Payload     string
	Currency    string
	Label       string
	Amount      int64
}

// InvoiceIssuer creates invoice links with the payment provider.
type InvoiceIssuer interface {
	CreateInvoiceLink(ctx context.Context, req InvoiceRequest) (string, error)
}

// Ledger is the subset of *ledger.Ledger the service needs.
type Ledger interface {
	UpsertProfile(ctx context.Context, p *ledger.Profile) error
	Record(ctx context.Context, c ledger.Credit) (*ledger.CreditResult, error)
}

// Invoice is an issued invoice.
type Invoice struct {
	Link    string `json:"invoice_link"`
	Amount  int64  `json:"-"`
	UserID  int64  `json:"-"`
	Payload string `json:"-"`
}

// Payer is the account the provider reports for a pre-checkout or payment.
// Empty strings mean the field is absent.
type Payer struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// PreCheckoutQuery is the provider's request to approve a payment.
type PreCheckoutQuery struct {
	ID             string
	From           Payer
	Currency       string
	TotalAmount    int64
	InvoicePayload string
}

// Payment is a settlement confirmation.
type Payment struct {
	From             Payer
	Currency         string
	TotalAmount      int64
	InvoicePayload   string
	ChargeID         string
	ProviderChargeID string
}

// Config holds the process-wide purchase settings.
type Config struct {
	InvoiceTitle string
	// InvoiceDescription may contain "{amount}".
	InvoiceDescription string
	RetryAttempts      int
	RetryBaseDelay     time.Duration
}

// Service is the explicitly constructed context every handler shares.
type Service struct {
	verifier  *initdata.Verifier
	validator *Validator
	invoices  InvoiceIssuer
	ledger    Ledger
	cfg       Config
	retry     retry.Policy
	logger    *slog.Logger
}

// NewService wires the purchase flow together.
func NewService(verifier *initdata.Verifier, validator *Validator, invoices InvoiceIssuer, l Ledger, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvoiceTitle == "" {
		cfg.InvoiceTitle = "Random Gift"
	}
	if cfg.InvoiceDescription == "" {
		cfg.InvoiceDescription = "Gift purchase for {amount} Stars."
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	return &Service{
		verifier:  verifier,
		validator: validator,
		invoices:  invoices,
		ledger:    l,
		cfg:       cfg,
		retry: retry.Policy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			Retryable: ledger.IsStorageError,
		},
		logger: logger,
	}
}

// Authenticate verifies raw init data and extracts the caller. Every
// failure wraps ErrInvalidInitData.
func (s *Service) Authenticate(ctx context.Context, raw string) (*initdata.Identity, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidInitData)
	}
	fields, err := s.verifier.Verify(raw)
	if err != nil {
		s.log(ctx).Warn("init_data_rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitData, err)
	}
	id, ok := initdata.ExtractIdentity(fields)
	if !ok {
		s.log(ctx).Warn("init_data_rejected", "error", "no user identity")
		return nil, fmt.Errorf("%w: no user identity", ErrInvalidInitData)
	}
	return id, nil
}

// RefreshProfile authenticates raw init data and upserts the caller's
// profile. Storage failures are logged and do not fail the call.
func (s *Service) RefreshProfile(ctx context.Context, raw string) (int64, error) {
	id, err := s.Authenticate(ctx, raw)
	if err != nil {
		return 0, err
	}
	s.upsertBestEffort(ctx, identityProfile(id))
	return id.ID, nil
}

// IssueInvoice authenticates the caller, validates amount and asks the
// provider for an invoice link bound to the caller.
func (s *Service) IssueInvoice(ctx context.Context, raw string, amount int64) (*Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.IssueInvoice", traces.Amount(amount))
	defer span.End()

	id, err := s.Authenticate(ctx, raw)
	if err != nil {
		InvoicesTotal.WithLabelValues("invalid_init_data").Inc()
		return nil, err
	}
	ctx = logging.WithUserID(ctx, id.ID)
	span.SetAttributes(traces.UserID(id.ID))

	s.upsertBestEffort(ctx, identityProfile(id))

	if err := s.validator.ValidateAtIssue(amount); err != nil {
		s.log(ctx).Info("invoice_rejected", "amount", amount, "reason", ReasonInvalidAmount)
		InvoicesTotal.WithLabelValues(string(ReasonInvalidAmount)).Inc()
		return nil, err
	}

	encoded := payload.Encode(amount, id.ID)
	n := strconv.FormatInt(amount, 10)
	link, err := s.invoices.CreateInvoiceLink(ctx, InvoiceRequest{
		Title:       s.cfg.InvoiceTitle,
		Description: strings.ReplaceAll(s.cfg.InvoiceDescription, "{amount}", n),
		Payload:     encoded,
		Currency:    s.validator.Currency(),
		Label:       n + " Stars",
		Amount:      amount,
	})
	if err != nil {
		span.RecordError(err)
		s.log(ctx).Error("invoice_creation_failed", "amount", amount, "error", err)
		InvoicesTotal.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvoiceCreation, err)
	}

	s.log(ctx).Info("invoice_issued", "amount", amount)
	InvoicesTotal.WithLabelValues("issued").Inc()
	return &Invoice{Link: link, Amount: amount, UserID: id.ID, Payload: encoded}, nil
}

// PreCheckout validates a pre-checkout query. A nil error means the
// payment may proceed; otherwise the error is a *ValidationError.
// It has no side effects on the ledger.
func (s *Service) PreCheckout(ctx context.Context, q PreCheckoutQuery) error {
	ctx, span := traces.StartSpan(ctx, "purchase.PreCheckout",
		traces.UserID(q.From.ID),
		traces.Amount(q.TotalAmount),
		traces.Currency(q.Currency),
	)
	defer span.End()

	ctx = logging.WithUserID(ctx, q.From.ID)
	if _, err := s.validator.ValidateAtPreauth(q.InvoicePayload, q.Currency, q.TotalAmount, q.From.ID); err != nil {
		reason, _ := ReasonOf(err)
		span.SetAttributes(traces.Reason(string(reason)))
		s.log(ctx).Warn("pre_checkout_rejected", "query_id", q.ID, "reason", reason, "error", err)
		PreCheckoutsTotal.WithLabelValues(string(reason)).Inc()
		return err
	}

	s.log(ctx).Info("pre_checkout_approved", "query_id", q.ID, "amount", q.TotalAmount)
	PreCheckoutsTotal.WithLabelValues("ok").Inc()
	return nil
}

// ConfirmPayment records a settled payment. The payer's profile is
// refreshed, then the payload's amount is credited to the payload's user,
// deduplicated by charge id and by a credit id that stays fixed across
// retries. Storage failures are retried and, if they persist, returned.
func (s *Service) ConfirmPayment(ctx context.Context, p Payment) (*ledger.CreditResult, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.ConfirmPayment",
		traces.UserID(p.From.ID),
		traces.Amount(p.TotalAmount),
		traces.ChargeID(p.ChargeID),
	)
	defer span.End()

	ctx = logging.WithUserID(ctx, p.From.ID)
	log := s.log(ctx).With("charge_id", p.ChargeID)

	s.upsertBestEffort(ctx, payerProfile(p.From))

	decoded, err := payload.Decode(p.InvoicePayload)
	if err != nil {
		log.Error("settlement_rejected", "reason", ReasonInvalidPayload, "error", err)
		SettlementsTotal.WithLabelValues(string(ReasonInvalidPayload)).Inc()
		return nil, reject(ReasonInvalidPayload, "%v", err)
	}

	// The provider only settles approved queries, so mismatches here are
	// logged for audit rather than refused.
	if p.Currency != s.validator.Currency() || p.TotalAmount != decoded.Amount || p.From.ID != decoded.UserID {
		log.Warn("settlement_mismatch",
			"currency", p.Currency,
			"total_amount", p.TotalAmount,
			"payload_amount", decoded.Amount,
			"payload_user_id", decoded.UserID,
		)
	}

	// A retry after a lost commit acknowledgement replays as a duplicate.
	credit := ledger.Credit{
		ID:               idgen.WithPrefix("cr_"),
		ChargeID:         p.ChargeID,
		ProviderChargeID: p.ProviderChargeID,
		UserID:           decoded.UserID,
		Amount:           decoded.Amount,
	}

	var res *ledger.CreditResult
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		r, err := s.ledger.Record(ctx, credit)
		if err != nil {
			log.Warn("settlement_credit_retry", "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		log.Error("settlement_failed", "user_id", decoded.UserID, "amount", decoded.Amount, "error", err)
		SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	outcome := "credited"
	if res.Duplicate {
		outcome = "duplicate"
	}
	log.Info("settlement_recorded", "user_id", decoded.UserID, "amount", decoded.Amount,
		"spent_total", res.SpentTotal, "outcome", outcome)
	SettlementsTotal.WithLabelValues(outcome).Inc()
	return res, nil
}

func (s *Service) upsertBestEffort(ctx context.Context, p *ledger.Profile) {
	if p == nil {
		return
	}
	if err := s.ledger.UpsertProfile(ctx, p); err != nil {
		s.log(ctx).Warn("upsert_profile_failed", "user_id", p.UserID, "error", err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.LOr(ctx, s.logger)
}

func identityProfile(id *initdata.Identity) *ledger.Profile {
	return &ledger.Profile{
		UserID:    id.ID,
		Username:  id.Username,
		FirstName: id.FirstName,
		LastName:  id.LastName,
		PhotoURL:  id.PhotoURL,
	}
}

// payerProfile returns nil for the zero Payer, which stands for an update
// without a sender.
func payerProfile(p Payer) *ledger.Profile {
	if p == (Payer{}) {
		return nil
	}
	return &ledger.Profile{
		UserID:    p.ID,
		Username:  optional(p.Username),
		FirstName: optional(p.FirstName),
		LastName:  optional(p.LastName),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
