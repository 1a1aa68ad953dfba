/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to event pricing, pending payment contexts, and finalized registrations.
 *
 * Tables:
 * - event_pricing: one fee schedule row per event.
 * - payment_contexts: single-slot pending payment store, unique on
 *   (event_id, member_id). The slot is overwritten on re-initiation and
 *   claimed atomically (awaiting_gateway -> reconciling) on a success callback.
 * - registrations: write-once finalized registrations, unique on
 *   (event_id, member_id).
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alumnihq/reunion-service/internal/domain"
)

var (
	ErrPricingNotFound        = errors.New("pricing table not found")
	ErrInvalidDeadlineOrder   = errors.New("early-bird deadline must not be after late-owl deadline")
	ErrNegativeRate           = errors.New("pricing rates must not be negative")
	ErrPaymentContextNotFound = errors.New("payment context not found")
	ErrRegistrationNotFound   = errors.New("registration not found")
	ErrDuplicateRegistration  = errors.New("registration already exists for this member and event")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetPricingTable fetches the fee schedule for an event.
func (r *PostgresRepository) GetPricingTable(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, error) {
	var table domain.PricingTable
	query := `
		SELECT event_id, regular_early_bird, regular_late_owl, young_alumni,
		       young_alumni_discount_enabled, young_alumni_from_year, young_alumni_to_year,
		       family_and_children, early_bird_deadline, late_owl_deadline,
		       current_student_attendance_enabled, updated_at
		FROM event_pricing
		WHERE event_id = $1
	`
	err := r.db.QueryRow(ctx, query, eventID).Scan(
		&table.EventID,
		&table.RegularEarlyBird,
		&table.RegularLateOwl,
		&table.YoungAlumni,
		&table.YoungAlumniDiscountEnabled,
		&table.YoungAlumniFromYear,
		&table.YoungAlumniToYear,
		&table.FamilyAndChildren,
		&table.EarlyBirdDeadline,
		&table.LateOwlDeadline,
		&table.CurrentStudentAttendanceEnabled,
		&table.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPricingNotFound
		}
		return nil, err
	}
	return &table, nil
}

// UpsertPricingTable writes the fee schedule for an event, enforcing the
// deadline ordering and non-negative rate invariants before touching the
// database. A stored negative rate would let the fee calculator produce a
// negative total.
func (r *PostgresRepository) UpsertPricingTable(ctx context.Context, table *domain.PricingTable) error {
	if table.EarlyBirdDeadline.After(table.LateOwlDeadline) {
		return ErrInvalidDeadlineOrder
	}
	if table.RegularEarlyBird < 0 || table.RegularLateOwl < 0 || table.YoungAlumni < 0 || table.FamilyAndChildren < 0 {
		return ErrNegativeRate
	}
	query := `
		INSERT INTO event_pricing (
			event_id, regular_early_bird, regular_late_owl, young_alumni,
			young_alumni_discount_enabled, young_alumni_from_year, young_alumni_to_year,
			family_and_children, early_bird_deadline, late_owl_deadline,
			current_student_attendance_enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (event_id) DO UPDATE SET
			regular_early_bird = EXCLUDED.regular_early_bird,
			regular_late_owl = EXCLUDED.regular_late_owl,
			young_alumni = EXCLUDED.young_alumni,
			young_alumni_discount_enabled = EXCLUDED.young_alumni_discount_enabled,
			young_alumni_from_year = EXCLUDED.young_alumni_from_year,
			young_alumni_to_year = EXCLUDED.young_alumni_to_year,
			family_and_children = EXCLUDED.family_and_children,
			early_bird_deadline = EXCLUDED.early_bird_deadline,
			late_owl_deadline = EXCLUDED.late_owl_deadline,
			current_student_attendance_enabled = EXCLUDED.current_student_attendance_enabled,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		table.EventID,
		table.RegularEarlyBird,
		table.RegularLateOwl,
		table.YoungAlumni,
		table.YoungAlumniDiscountEnabled,
		table.YoungAlumniFromYear,
		table.YoungAlumniToYear,
		table.FamilyAndChildren,
		table.EarlyBirdDeadline,
		table.LateOwlDeadline,
		table.CurrentStudentAttendanceEnabled,
	)
	return err
}

// SavePaymentContext writes (or overwrites) the member's pending payment slot
// for an event. A second initiation before the first completes replaces the
// old slot; this is the documented last-writer-wins behavior for the
// two-tabs case.
func (r *PostgresRepository) SavePaymentContext(ctx context.Context, pc *domain.PaymentContext) error {
	draftJSON, err := json.Marshal(pc.Draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	breakdownJSON, err := json.Marshal(pc.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	query := `
		INSERT INTO payment_contexts (
			id, event_id, member_id, invoice, amount, description,
			gateway_payment_id, draft, breakdown, status, created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11, NOW())
		ON CONFLICT (event_id, member_id) DO UPDATE SET
			id = EXCLUDED.id,
			invoice = EXCLUDED.invoice,
			amount = EXCLUDED.amount,
			description = EXCLUDED.description,
			gateway_payment_id = EXCLUDED.gateway_payment_id,
			draft = EXCLUDED.draft,
			breakdown = EXCLUDED.breakdown,
			status = EXCLUDED.status,
			failure_reason = NULL,
			created_at = NOW(),
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	_, err = r.db.Exec(ctx, query,
		pc.ID,
		pc.EventID,
		pc.MemberID,
		pc.Invoice,
		pc.Amount,
		pc.Description,
		pc.GatewayPaymentID,
		draftJSON,
		breakdownJSON,
		pc.Status,
		pc.ExpiresAt,
	)
	return err
}

// AttachGatewayPaymentID records the gateway's payment id on the context once
// the create-payment call has succeeded.
func (r *PostgresRepository) AttachGatewayPaymentID(ctx context.Context, contextID uuid.UUID, gatewayPaymentID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_contexts SET gateway_payment_id = $2, updated_at = NOW() WHERE id = $1`,
		contextID, gatewayPaymentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentContextNotFound
	}
	return nil
}

// DeletePaymentContext removes a context row. Used both to clear the slot
// after a successful reconciliation and to roll back a failed initiation.
func (r *PostgresRepository) DeletePaymentContext(ctx context.Context, contextID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM payment_contexts WHERE id = $1`, contextID)
	return err
}

// FindPaymentContextByGatewayPaymentID fetches a context without claiming it.
// Used on failure/cancel callbacks where no finalization will happen.
func (r *PostgresRepository) FindPaymentContextByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	query := `
		SELECT id, event_id, member_id, invoice, amount, description,
		       gateway_payment_id, draft, breakdown, status, failure_reason,
		       created_at, expires_at, updated_at
		FROM payment_contexts
		WHERE gateway_payment_id = $1
	`
	return r.scanPaymentContext(r.db.QueryRow(ctx, query, gatewayPaymentID))
}

// ClaimPaymentContext atomically transitions a context from awaiting_gateway
// to reconciling and returns it. A context that is missing, already claimed,
// or already failed yields ErrPaymentContextNotFound, which makes a replayed
// success callback a no-op rather than a second finalization.
func (r *PostgresRepository) ClaimPaymentContext(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	query := `
		UPDATE payment_contexts
		SET status = $2, updated_at = NOW()
		WHERE gateway_payment_id = $1 AND status = $3
		RETURNING id, event_id, member_id, invoice, amount, description,
		          gateway_payment_id, draft, breakdown, status, failure_reason,
		          created_at, expires_at, updated_at
	`
	return r.scanPaymentContext(r.db.QueryRow(ctx, query,
		gatewayPaymentID, domain.ContextStatusReconciling, domain.ContextStatusAwaitingGateway,
	))
}

// MarkPaymentContextFailed tags a context with a terminal failure reason. The
// row is retained so support can inspect it; a retry overwrites the slot.
func (r *PostgresRepository) MarkPaymentContextFailed(ctx context.Context, contextID uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_contexts SET status = $2, failure_reason = $3, updated_at = NOW() WHERE id = $1`,
		contextID, domain.ContextStatusFailed, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentContextNotFound
	}
	return nil
}

// ExpireStalePaymentContexts marks awaiting_gateway contexts past their expiry
// as failed with reason "timeout" and reports how many rows were swept.
func (r *PostgresRepository) ExpireStalePaymentContexts(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_contexts
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE status = $3 AND expires_at <= $4
	`, domain.ContextStatusFailed, domain.FailureReasonTimeout, domain.ContextStatusAwaitingGateway, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateRegistration persists a finalized registration. The unique index on
// (event_id, member_id) is the duplicate-submission guard; violations surface
// as ErrDuplicateRegistration.
func (r *PostgresRepository) CreateRegistration(ctx context.Context, reg *domain.FinalizedRegistration) error {
	draftJSON, err := json.Marshal(reg.Draft)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	breakdownJSON, err := json.Marshal(reg.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	query := `
		INSERT INTO registrations (
			id, event_id, member_id, draft, breakdown, total_fee,
			payment_method, payment_id, transaction_id,
			paid_from_number, verified_by, secret_code, payment_status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`
	_, err = r.db.Exec(ctx, query,
		reg.ID,
		reg.EventID,
		reg.MemberID,
		draftJSON,
		breakdownJSON,
		reg.TotalFee,
		reg.PaymentMethod,
		reg.PaymentID,
		reg.TransactionID,
		reg.PaidFromNumber,
		reg.VerifiedBy,
		reg.SecretCode,
		reg.PaymentStatus,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRegistration
		}
		return err
	}
	return nil
}

// GetRegistrationByMember fetches one member's finalized registration for an event.
func (r *PostgresRepository) GetRegistrationByMember(ctx context.Context, eventID, memberID uuid.UUID) (*domain.FinalizedRegistration, error) {
	query := registrationSelect + ` WHERE event_id = $1 AND member_id = $2`
	reg, err := r.scanRegistration(r.db.QueryRow(ctx, query, eventID, memberID))
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// ListRegistrationsByEvent returns all finalized registrations for an event,
// newest first. Used by the operator routes.
func (r *PostgresRepository) ListRegistrationsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.FinalizedRegistration, error) {
	query := registrationSelect + ` WHERE event_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []domain.FinalizedRegistration
	for rows.Next() {
		reg, err := r.scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

// MarkRegistrationVerified stamps the operator who verified a manual payment
// and flips the payment status. Already-verified rows are left untouched.
func (r *PostgresRepository) MarkRegistrationVerified(ctx context.Context, registrationID uuid.UUID, verifiedBy string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE registrations
		SET payment_status = $2, verified_by = $3, updated_at = NOW()
		WHERE id = $1 AND payment_status <> $2
	`, registrationID, domain.PaymentStatusVerified, verifiedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

const registrationSelect = `
	SELECT id, event_id, member_id, draft, breakdown, total_fee,
	       payment_method, payment_id, transaction_id,
	       paid_from_number, verified_by, secret_code, payment_status,
	       created_at, updated_at
	FROM registrations`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanPaymentContext(row rowScanner) (*domain.PaymentContext, error) {
	var pc domain.PaymentContext
	var draftJSON, breakdownJSON []byte
	err := row.Scan(
		&pc.ID,
		&pc.EventID,
		&pc.MemberID,
		&pc.Invoice,
		&pc.Amount,
		&pc.Description,
		&pc.GatewayPaymentID,
		&draftJSON,
		&breakdownJSON,
		&pc.Status,
		&pc.FailureReason,
		&pc.CreatedAt,
		&pc.ExpiresAt,
		&pc.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentContextNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(draftJSON, &pc.Draft); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	if err := json.Unmarshal(breakdownJSON, &pc.Breakdown); err != nil {
		return nil, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	return &pc, nil
}

func (r *PostgresRepository) scanRegistration(row rowScanner) (*domain.FinalizedRegistration, error) {
	var reg domain.FinalizedRegistration
	var draftJSON, breakdownJSON []byte
	err := row.Scan(
		&reg.ID,
		&reg.EventID,
		&reg.MemberID,
		&draftJSON,
		&breakdownJSON,
		&reg.TotalFee,
		&reg.PaymentMethod,
		&reg.PaymentID,
		&reg.TransactionID,
		&reg.PaidFromNumber,
		&reg.VerifiedBy,
		&reg.SecretCode,
		&reg.PaymentStatus,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(draftJSON, &reg.Draft); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	if err := json.Unmarshal(breakdownJSON, &reg.Breakdown); err != nil {
		return nil, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	return &reg, nil
}
