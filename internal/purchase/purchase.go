// Package purchase authorizes in-app currency purchases across the three
// provider hops: invoice issue, pre-checkout and settlement.
//
// The invoice payload is the only correlation token between the hops. The
// Validator checks it at issue and pre-checkout time; the Service wires the
// validator to init data verification, the provider and the ledger.
package purchase

import (
	"errors"
	"fmt"
	"sort"

	"github.com/starboard-app/starboard/internal/payload"
)

// Reason is a caller-visible rejection code.
type Reason string

const (
	ReasonInvalidPayload  Reason = "invalid_payload"
	ReasonInvalidCurrency Reason = "invalid_currency"
	ReasonInvalidAmount   Reason = "invalid_amount"
	ReasonAmountMismatch  Reason = "amount_mismatch"
	ReasonUserMismatch    Reason = "user_mismatch"
)

// ValidationError is a purchase rejection with a specific reason. It is
// never retried.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "purchase: " + string(e.Reason)
	}
	return "purchase: " + string(e.Reason) + ": " + e.Detail
}

// Is matches any ValidationError with the same reason, so callers can use
// errors.Is(err, purchase.ErrUserMismatch).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Reason == e.Reason
}

var (
	ErrInvalidPayload  = &ValidationError{Reason: ReasonInvalidPayload}
	ErrInvalidCurrency = &ValidationError{Reason: ReasonInvalidCurrency}
	ErrInvalidAmount   = &ValidationError{Reason: ReasonInvalidAmount}
	ErrAmountMismatch  = &ValidationError{Reason: ReasonAmountMismatch}
	ErrUserMismatch    = &ValidationError{Reason: ReasonUserMismatch}

	// ErrInvalidInitData wraps every init data verification or identity failure.
	ErrInvalidInitData = errors.New("purchase: invalid init data")
	// ErrInvoiceCreation is returned when the provider fails to issue a link.
	ErrInvoiceCreation = errors.New("purchase: invoice creation failed")
)

func reject(reason Reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (Reason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}

// AllowList is the fixed set of purchasable amounts. It is read-only after
// construction.
type AllowList struct {
	amounts []int64
	set     map[int64]struct{}
}

// NewAllowList builds an allow-list. Amounts must be positive; duplicates
// are collapsed.
func NewAllowList(amounts ...int64) (AllowList, error) {
	if len(amounts) == 0 {
		return AllowList{}, errors.New("allow-list is empty")
	}
	set := make(map[int64]struct{}, len(amounts))
	for _, a := range amounts {
		if a <= 0 {
			return AllowList{}, fmt.Errorf("allow-list amount %d is not positive", a)
		}
		set[a] = struct{}{}
	}
	sorted := make([]int64, 0, len(set))
	for a := range set {
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return AllowList{amounts: sorted, set: set}, nil
}

// Contains reports whether amount is purchasable.
func (a AllowList) Contains(amount int64) bool {
	_, ok := a.set[amount]
	return ok
}

// Amounts returns the allowed amounts in ascending order.
func (a AllowList) Amounts() []int64 {
	out := make([]int64, len(a.amounts))
	copy(out, a.amounts)
	return out
}

// Validator checks purchases against the currency code and allow-list.
// It is stateless and safe for concurrent use.
type Validator struct {
	currency string
	allowed  AllowList
}

// NewValidator creates a validator for currency and allowed amounts.
func NewValidator(currency string, allowed AllowList) *Validator {
	return &Validator{currency: currency, allowed: allowed}
}

// Currency returns the required currency code.
func (v *Validator) Currency() string {
	return v.currency
}

// ValidateAtIssue checks that amount may be invoiced.
func (v *Validator) ValidateAtIssue(amount int64) error {
	if !v.allowed.Contains(amount) {
		return reject(ReasonInvalidAmount, "amount %d is not offered", amount)
	}
	return nil
}

// ValidateAtPreauth checks a pre-checkout query. The checks run in a fixed
// order and stop at the first failure: payload, currency, amount in
// allow-list, amount equality, user equality.
func (v *Validator) ValidateAtPreauth(rawPayload, currency string, totalAmount, requestingUserID int64) (*payload.Payload, error) {
	p, err := payload.Decode(rawPayload)
	if err != nil {
		return nil, reject(ReasonInvalidPayload, "%v", err)
	}
	if currency != v.currency {
		return nil, reject(ReasonInvalidCurrency, "got %q, want %q", currency, v.currency)
	}
	if !v.allowed.Contains(p.Amount) {
		return nil, reject(ReasonInvalidAmount, "amount %d is not offered", p.Amount)
	}
	if p.Amount != totalAmount {
		return nil, reject(ReasonAmountMismatch, "payload %d, total %d", p.Amount, totalAmount)
	}
	if p.UserID != requestingUserID {
		return nil, reject(ReasonUserMismatch, "payload user %d, payer %d", p.UserID, requestingUserID)
	}
	return p, nil
}
