/**
 * @description
 * This file defines the core domain models for the reunion registration service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Fees are stored as `int64` in whole taka (BDT), which avoids floating-point
 *   inaccuracies with financial data. The reunion fee schedule has no fractional
 *   amounts, so the smallest unit is the taka itself.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// T-shirt sizes offered on the registration form.
const (
	TShirtSizeS   = "S"
	TShirtSizeM   = "M"
	TShirtSizeL   = "L"
	TShirtSizeXL  = "XL"
	TShirtSizeXXL = "XXL"
)

// Collection methods for the registration kit.
const (
	CollectionEventBooth       = "event-booth"
	CollectionBatchCoordinator = "batch-coordinator"
)

// Payment methods recorded on a finalized registration.
const (
	PaymentMethodBkashCheckout     = "bkash_checkout"
	PaymentMethodSelfReported      = "self_reported"
	PaymentMethodRegistrationPoint = "registration_point"
)

// Payment verification statuses.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusVerified = "verified"
)

// Payment context lifecycle states. A context moves awaiting_gateway ->
// reconciling -> (deleted on success) or failed. The reconciling state is
// claimed atomically so a replayed callback can never finalize twice.
const (
	ContextStatusAwaitingGateway = "awaiting_gateway"
	ContextStatusReconciling     = "reconciling"
	ContextStatusFailed          = "failed"
)

// Failure reasons tagged onto a failed payment attempt. They only drive
// user-facing copy; all four are handled identically (retry from scratch).
const (
	FailureReasonCancelled = "cancelled"
	FailureReasonTimeout   = "timeout"
	FailureReasonFailed    = "failed"
	FailureReasonError     = "error"
)

// Rate tiers resolved by the fee calculator.
const (
	RateTierEarlyBird      = "early_bird"
	RateTierLateOwl        = "late_owl"
	RateTierYoungAlumni    = "young_alumni"
	RateTierCurrentStudent = "current_student"
)

// PricingTable holds the fee schedule for one reunion event. This struct maps
// directly to the `event_pricing` table in the database.
// Invariant: EarlyBirdDeadline <= LateOwlDeadline, enforced on write.
type PricingTable struct {
	EventID                         uuid.UUID `json:"event_id"`
	RegularEarlyBird                int64     `json:"regular_early_bird"`
	RegularLateOwl                  int64     `json:"regular_late_owl"`
	YoungAlumni                     int64     `json:"young_alumni"`
	YoungAlumniDiscountEnabled      bool      `json:"young_alumni_discount_enabled"`
	YoungAlumniFromYear             int       `json:"young_alumni_from_year"`
	YoungAlumniToYear               int       `json:"young_alumni_to_year"`
	FamilyAndChildren               int64     `json:"family_and_children"`
	EarlyBirdDeadline               time.Time `json:"early_bird_deadline"`
	LateOwlDeadline                 time.Time `json:"late_owl_deadline"`
	CurrentStudentAttendanceEnabled bool      `json:"current_student_attendance_enabled"`
	UpdatedAt                       time.Time `json:"updated_at"`
}

// RegistrationDraft is the attendee's form state as submitted by the client.
// It is never persisted on its own; it is embedded into a PaymentContext for
// the duration of the gateway round trip and into the finalized registration.
//
// Conditional rules (guest names, child name counts) are checked by the
// application layer on top of the struct tags, because validator tags cannot
// express "exactly NumberOfChildren non-empty entries".
type RegistrationDraft struct {
	SSCYear          string   `json:"ssc_year" validate:"omitempty,len=4,numeric"`
	IsCurrentStudent bool     `json:"is_current_student"`
	TShirtSize       string   `json:"tshirt_size" validate:"required,oneof=S M L XL XXL"`
	CollectionMethod string   `json:"collection_method" validate:"required,oneof=event-booth batch-coordinator"`
	BringingSpouse   bool     `json:"bringing_spouse"`
	SpouseName       string   `json:"spouse_name,omitempty"`
	BringingFather   bool     `json:"bringing_father"`
	FatherName       string   `json:"father_name,omitempty"`
	BringingMother   bool     `json:"bringing_mother"`
	MotherName       string   `json:"mother_name,omitempty"`
	BringingChildren bool     `json:"bringing_children"`
	NumberOfChildren int      `json:"number_of_children" validate:"gte=0"`
	ChildNames       []string `json:"child_names,omitempty"`
	BringingOther    bool     `json:"bringing_other"`
	OtherRelation    string   `json:"other_relation,omitempty"`
	OtherName        string   `json:"other_name,omitempty"`
	WantsToVolunteer bool     `json:"wants_to_volunteer"`
	SpecialRequests  string   `json:"special_requests,omitempty"`
}

// FeeLine is one display row of the itemized breakdown.
type FeeLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Quantity    int    `json:"quantity,omitempty"`
}

// FeeBreakdown is the derived, itemized fee computation for one draft against
// one pricing table. It is a pure view of (draft, table, submittedAt); it is
// never stored on its own, only embedded into a payment context or a
// finalized registration.
type FeeBreakdown struct {
	RateTier      string    `json:"rate_tier"`
	BaseFee       int64     `json:"base_fee"`
	SpouseFee     int64     `json:"spouse_fee"`
	FatherFee     int64     `json:"father_fee"`
	MotherFee     int64     `json:"mother_fee"`
	ChildrenFee   int64     `json:"children_fee"`
	OtherGuestFee int64     `json:"other_guest_fee"`
	TotalFee      int64     `json:"total_fee"`
	Items         []FeeLine `json:"items"`
	ComputedAt    time.Time `json:"computed_at"`
}

// PaymentContext is the single-slot pending-payment record that bridges the
// redirect boundary to the bKash gateway. Exactly one context can be active
// per (event, member); re-initiating overwrites the slot (last writer wins)
// while the success callback claims it exactly once.
type PaymentContext struct {
	ID               uuid.UUID         `json:"id"`
	EventID          uuid.UUID         `json:"event_id"`
	MemberID         uuid.UUID         `json:"member_id"`
	Invoice          string            `json:"invoice"`
	Amount           int64             `json:"amount"`
	Description      string            `json:"description"`
	GatewayPaymentID *string           `json:"gateway_payment_id,omitempty"`
	Draft            RegistrationDraft `json:"draft"`
	Breakdown        FeeBreakdown      `json:"breakdown"`
	Status           string            `json:"status"`
	FailureReason    *string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// FinalizedRegistration is the write-once record persisted after a successful
// reconciliation (or directly via the manual payment paths). This struct maps
// to the `registrations` table.
type FinalizedRegistration struct {
	ID             uuid.UUID         `json:"id"`
	EventID        uuid.UUID         `json:"event_id"`
	MemberID       uuid.UUID         `json:"member_id"`
	Draft          RegistrationDraft `json:"draft"`
	Breakdown      FeeBreakdown      `json:"breakdown"`
	TotalFee       int64             `json:"total_fee"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentID      string            `json:"payment_id"`
	TransactionID  string            `json:"transaction_id"`
	PaidFromNumber *string           `json:"paid_from_number,omitempty"`
	VerifiedBy     *string           `json:"verified_by,omitempty"`
	SecretCode     *string           `json:"secret_code,omitempty"`
	PaymentStatus  string            `json:"payment_status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ManualPaymentProof is the DTO for the offline/manual registration paths.
// Either the self-reported pair (PaidFromNumber + TransactionID) or the
// registration-point pair (VerifiedBy + SecretCode or TransactionID) must be
// supplied. The service does not cross-check these against the gateway; a
// human operator verifies them later.
type ManualPaymentProof struct {
	PaidFromNumber string `json:"paid_from_number,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	VerifiedBy     string `json:"verified_by,omitempty"`
	SecretCode     string `json:"secret_code,omitempty"`
}

// GatewayReturn captures the query parameters the gateway appends when it
// redirects the browser back, or the payload of the in-page checkout event.
type GatewayReturn struct {
	Outcome       string `json:"payment"` // success | failed | cancelled
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"trx_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// PaymentInitiation is the response handed back to the client after a
// successful create-payment call: the hosted checkout URL to navigate to and
// the gateway's payment id for correlation.
type PaymentInitiation struct {
	BkashURL  string    `json:"bkash_url"`
	PaymentID string    `json:"payment_id"`
	Invoice   string    `json:"invoice"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}
