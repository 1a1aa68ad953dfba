/**
 * @description
 * Error taxonomy for the registration payment flow. Each failure class maps to
 * a distinct user-facing outcome:
 *
 * - ValidationError: the draft breaks a form rule; recoverable by editing.
 * - PaymentInitError: the gateway create-payment call failed or returned no
 *   checkout URL; nothing was persisted, the user may simply try again.
 * - PaymentFailure: the gateway reported cancel/timeout/failure after redirect;
 *   the attempt is terminal but a fresh one can be started.
 * - ReconciliationError: payment may have succeeded but the registration could
 *   not be finalized; surfaced with a support-contact message, never retried
 *   automatically.
 */

package app

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPaymentDue is returned when gateway initiation is attempted for a draft
// whose computed total is zero (current students when free attendance is
// enabled). Such registrations go through the manual path instead.
var ErrNoPaymentDue = errors.New("no payment due for this registration")

// ErrRateLimited is returned when a member exceeds the payment initiation rate limit.
var ErrRateLimited = errors.New("too many payment attempts; try again shortly")

// ValidationError aggregates every broken draft rule into one error. The API
// layer surfaces the full list so the client can render messages as it wishes.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid registration draft: " + strings.Join(e.Problems, "; ")
}

// PaymentInitError wraps a failed gateway create-payment call.
type PaymentInitError struct {
	Cause error
}

func (e *PaymentInitError) Error() string {
	return fmt.Sprintf("payment initiation failed: %v", e.Cause)
}

func (e *PaymentInitError) Unwrap() error { return e.Cause }

// PaymentFailure reports a terminal gateway outcome for one payment attempt.
// Reason is one of the domain failure reason constants and only drives copy;
// every reason is handled identically (the member retries from scratch).
type PaymentFailure struct {
	Reason string
}

func (e *PaymentFailure) Error() string {
	return "payment " + e.Reason
}

// ReconciliationError is the worst case: the gateway reported success but the
// local registration could not be matched or persisted. Money may have moved
// without a record, so the only mitigation is routing the member to support.
type ReconciliationError struct {
	PaymentID string
	Cause     error
}

func (e *ReconciliationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("payment %s could not be reconciled: %v", e.PaymentID, e.Cause)
	}
	return fmt.Sprintf("payment %s could not be reconciled", e.PaymentID)
}

func (e *ReconciliationError) Unwrap() error { return e.Cause }
