/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the reunion registration service. By defining
 * an interface, we decouple the application's business logic from the specific
 * database implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Pricing methods
	GetPricingTable(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, error)
	UpsertPricingTable(ctx context.Context, table *domain.PricingTable) error

	// Payment context methods. The context table is a single-slot store:
	// one active row per (event, member), overwritten on re-initiation and
	// claimed exactly once on a success callback.
	SavePaymentContext(ctx context.Context, pc *domain.PaymentContext) error
	AttachGatewayPaymentID(ctx context.Context, contextID uuid.UUID, gatewayPaymentID string) error
	DeletePaymentContext(ctx context.Context, contextID uuid.UUID) error
	FindPaymentContextByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error)
	ClaimPaymentContext(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error)
	MarkPaymentContextFailed(ctx context.Context, contextID uuid.UUID, reason string) error
	ExpireStalePaymentContexts(ctx context.Context, olderThan time.Time) (int64, error)

	// Registration methods
	CreateRegistration(ctx context.Context, reg *domain.FinalizedRegistration) error
	GetRegistrationByMember(ctx context.Context, eventID, memberID uuid.UUID) (*domain.FinalizedRegistration, error)
	ListRegistrationsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.FinalizedRegistration, error)
	MarkRegistrationVerified(ctx context.Context, registrationID uuid.UUID, verifiedBy string) error
}
