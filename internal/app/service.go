/**
 * @description
 * This file contains the core business logic for the reunion registration
 * service. The `Service` struct orchestrates the registration payment flow,
 * coordinating between the database repository, the bKash gateway client, the
 * pricing resolver, and the message broker.
 *
 * Key features:
 * - Authoritative fee quoting (the client's live quote is advisory; the amount
 *   charged is always recomputed here at initiation time).
 * - The payment state machine: initiate -> awaiting gateway -> reconcile ->
 *   finalized registration, with terminal failure tagging for display copy.
 * - Both manual payment paths (self-reported and registration-point), which
 *   skip the gateway entirely and defer verification to a human operator.
 * - Publishes registration lifecycle events to RabbitMQ for the notification side.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/pricing, internal/store: Domain models, fee math, data access.
 * - pkg/bkashclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/domain"
	"github.com/alumnihq/reunion-service/internal/pricing"
	"github.com/alumnihq/reunion-service/internal/store"
	"github.com/alumnihq/reunion-service/pkg/bkashclient"
	"github.com/alumnihq/reunion-service/pkg/rabbitmq"
)

// PaymentGateway is the slice of the bKash client the service depends on.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, amount int64, invoice, payerReference, callbackURL string) (*bkashclient.CreatePaymentResponse, error)
	ExecutePayment(ctx context.Context, paymentID string) (*bkashclient.ExecutePaymentResponse, error)
}

// RateLimiter limits payment initiations per member. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for reunion registrations.
type Service struct {
	repo     store.Repository
	gateway  PaymentGateway
	producer rabbitmq.Publisher
	resolver *pricing.Resolver

	callbackBaseURL   string
	merchantReference string
	contextTTL        time.Duration

	limiter        RateLimiter
	initRatePerMin int

	now func() time.Time
}

// NewService creates a new registration service instance.
func NewService(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher, resolver *pricing.Resolver, callbackBaseURL, merchantReference string, contextTTL time.Duration) *Service {
	if contextTTL <= 0 {
		contextTTL = 30 * time.Minute
	}
	return &Service{
		repo:              repo,
		gateway:           gateway,
		producer:          producer,
		resolver:          resolver,
		callbackBaseURL:   strings.TrimRight(callbackBaseURL, "/"),
		merchantReference: merchantReference,
		contextTTL:        contextTTL,
		now:               time.Now,
	}
}

// SetRateLimiter wires a distributed rate limiter for payment initiation.
func (s *Service) SetRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.initRatePerMin = perMinute
}

// ResolvePricing returns the event's pricing table and whether it came from
// the store or the documented fallback defaults.
func (s *Service) ResolvePricing(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, string) {
	return s.resolver.Resolve(ctx, eventID)
}

// UpsertPricing writes an event's fee schedule (operator route).
func (s *Service) UpsertPricing(ctx context.Context, table *domain.PricingTable) error {
	return s.repo.UpsertPricingTable(ctx, table)
}

// QuoteFees resolves the event's pricing and computes the itemized breakdown
// for a draft without validating or persisting anything. Used by the client
// for live fee display while the member edits the form.
func (s *Service) QuoteFees(ctx context.Context, eventID uuid.UUID, draft domain.RegistrationDraft) (domain.FeeBreakdown, string) {
	table, source := s.resolver.Resolve(ctx, eventID)
	return pricing.CalculateFees(draft, table, s.now()), source
}

// InitiatePayment validates the draft, computes the authoritative amount,
// writes the member's single pending-payment slot, and asks the gateway to
// create a hosted-checkout payment. On any gateway failure the slot is rolled
// back so no pending state survives a failed initiation.
func (s *Service) InitiatePayment(ctx context.Context, eventID, memberID uuid.UUID, draft domain.RegistrationDraft) (*domain.PaymentInitiation, error) {
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}

	if s.limiter != nil && s.initRatePerMin > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "payment_init", memberID.String(), s.initRatePerMin, time.Minute)
		if err != nil {
			log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing request\" member_id=%s err=%v", memberID, err)
		} else if count > s.initRatePerMin {
			log.Printf("level=info component=service msg=\"payment initiation rate limited\" member_id=%s retry_after=%d", memberID, retryAfter)
			return nil, ErrRateLimited
		}
	}

	table, source := s.resolver.Resolve(ctx, eventID)
	breakdown := pricing.CalculateFees(draft, table, s.now())
	if breakdown.TotalFee <= 0 {
		// Free attendance (current students) never touches the gateway.
		return nil, ErrNoPaymentDue
	}
	if source == pricing.SourceDefault {
		log.Printf("level=warn component=service msg=\"initiating payment against default pricing\" event_id=%s member_id=%s", eventID, memberID)
	}

	invoice := s.newInvoice()
	pc := &domain.PaymentContext{
		ID:          uuid.New(),
		EventID:     eventID,
		MemberID:    memberID,
		Invoice:     invoice,
		Amount:      breakdown.TotalFee,
		Description: fmt.Sprintf("Reunion registration %s", invoice),
		Draft:       draft,
		Breakdown:   breakdown,
		Status:      domain.ContextStatusAwaitingGateway,
		ExpiresAt:   s.now().Add(s.contextTTL),
	}
	if err := s.repo.SavePaymentContext(ctx, pc); err != nil {
		return nil, fmt.Errorf("save payment context: %w", err)
	}

	resp, err := s.gateway.CreatePayment(ctx, breakdown.TotalFee, invoice, s.merchantReference, s.callbackURL())
	if err != nil {
		// Roll back the slot: a failed initiation must leave no pending state.
		if delErr := s.repo.DeletePaymentContext(ctx, pc.ID); delErr != nil {
			log.Printf("level=error component=service msg=\"orphaned payment context after failed initiation\" context_id=%s err=%v", pc.ID, delErr)
		}
		return nil, &PaymentInitError{Cause: err}
	}

	if err := s.repo.AttachGatewayPaymentID(ctx, pc.ID, resp.PaymentID); err != nil {
		return nil, fmt.Errorf("attach gateway payment id: %w", err)
	}

	log.Printf("level=info component=service msg=\"payment initiated\" event_id=%s member_id=%s invoice=%s payment_id=%s amount=%d", eventID, memberID, invoice, resp.PaymentID, breakdown.TotalFee)
	return &domain.PaymentInitiation{
		BkashURL:  resp.BkashURL,
		PaymentID: resp.PaymentID,
		Invoice:   invoice,
		Amount:    breakdown.TotalFee,
		ExpiresAt: pc.ExpiresAt,
	}, nil
}

// HandleGatewayReturn processes the gateway's redirect back to the service
// (or the in-page checkout event, which carries the same fields). A success
// outcome claims the pending context exactly once and finalizes the
// registration; any other outcome tags the attempt failed and never touches
// the registration table.
func (s *Service) HandleGatewayReturn(ctx context.Context, ret domain.GatewayReturn) (*domain.FinalizedRegistration, error) {
	if ret.PaymentID == "" {
		return nil, &ReconciliationError{Cause: errors.New("callback carried no payment id")}
	}

	if ret.Outcome != "success" {
		reason := normalizeFailureReason(ret.Outcome, ret.Reason)
		if pc, err := s.repo.FindPaymentContextByGatewayPaymentID(ctx, ret.PaymentID); err == nil {
			if markErr := s.repo.MarkPaymentContextFailed(ctx, pc.ID, reason); markErr != nil {
				log.Printf("level=warn component=service msg=\"failed to tag payment context\" context_id=%s err=%v", pc.ID, markErr)
			}
			s.publishEvent(ctx, rabbitmq.RoutingKeyPaymentFailed, rabbitmq.RegistrationEvent{
				EventID:       pc.EventID,
				MemberID:      pc.MemberID,
				Invoice:       pc.Invoice,
				TotalFee:      pc.Amount,
				FailureReason: reason,
				Timestamp:     s.now(),
			})
		}
		log.Printf("level=info component=service msg=\"payment attempt failed\" payment_id=%s reason=%s", ret.PaymentID, reason)
		return nil, &PaymentFailure{Reason: reason}
	}

	// Success: consume-and-claim the context atomically. A missing context
	// (never created, already claimed, expired and swept, or overwritten by a
	// second tab) is unrecoverable here; the member is routed to support.
	pc, err := s.repo.ClaimPaymentContext(ctx, ret.PaymentID)
	if err != nil {
		return nil, &ReconciliationError{PaymentID: ret.PaymentID, Cause: err}
	}
	if s.now().After(pc.ExpiresAt) {
		if markErr := s.repo.MarkPaymentContextFailed(ctx, pc.ID, domain.FailureReasonTimeout); markErr != nil {
			log.Printf("level=warn component=service msg=\"failed to tag expired context\" context_id=%s err=%v", pc.ID, markErr)
		}
		return nil, &ReconciliationError{PaymentID: ret.PaymentID, Cause: errors.New("payment context expired before the gateway returned")}
	}

	trxID := strings.TrimSpace(ret.TransactionID)
	if trxID == "" {
		// Redirect variant: the transaction id has to be pulled from the
		// gateway via the execute call.
		exec, execErr := s.gateway.ExecutePayment(ctx, ret.PaymentID)
		if execErr != nil {
			if markErr := s.repo.MarkPaymentContextFailed(ctx, pc.ID, domain.FailureReasonError); markErr != nil {
				log.Printf("level=warn component=service msg=\"failed to tag context after execute failure\" context_id=%s err=%v", pc.ID, markErr)
			}
			return nil, &ReconciliationError{PaymentID: ret.PaymentID, Cause: execErr}
		}
		trxID = exec.TrxID
	}

	reg := &domain.FinalizedRegistration{
		ID:            uuid.New(),
		EventID:       pc.EventID,
		MemberID:      pc.MemberID,
		Draft:         pc.Draft,
		Breakdown:     pc.Breakdown,
		TotalFee:      pc.Amount,
		PaymentMethod: domain.PaymentMethodBkashCheckout,
		PaymentID:     ret.PaymentID,
		TransactionID: trxID,
		PaymentStatus: domain.PaymentStatusPending,
	}
	if err := s.repo.CreateRegistration(ctx, reg); err != nil {
		// The context row is retained (tagged failed) so support can inspect
		// it; a retry derives a fresh context anyway.
		if markErr := s.repo.MarkPaymentContextFailed(ctx, pc.ID, domain.FailureReasonError); markErr != nil {
			log.Printf("level=warn component=service msg=\"failed to tag context after finalize failure\" context_id=%s err=%v", pc.ID, markErr)
		}
		return nil, &ReconciliationError{PaymentID: ret.PaymentID, Cause: err}
	}

	if err := s.repo.DeletePaymentContext(ctx, pc.ID); err != nil {
		log.Printf("level=warn component=service msg=\"failed to clear payment context after finalize\" context_id=%s err=%v", pc.ID, err)
	}

	s.publishEvent(ctx, rabbitmq.RoutingKeyRegistrationCompleted, rabbitmq.RegistrationEvent{
		RegistrationID: &reg.ID,
		EventID:        reg.EventID,
		MemberID:       reg.MemberID,
		Invoice:        pc.Invoice,
		TotalFee:       reg.TotalFee,
		PaymentMethod:  reg.PaymentMethod,
		Timestamp:      s.now(),
	})
	log.Printf("level=info component=service msg=\"registration finalized\" registration_id=%s event_id=%s member_id=%s trx_id=%s", reg.ID, reg.EventID, reg.MemberID, trxID)
	return reg, nil
}

// RegisterManually finalizes a registration through one of the offline payment
// paths. No gateway round trip happens; a pseudo invoice-style payment id is
// synthesized and the payment stays pending until an operator verifies it.
func (s *Service) RegisterManually(ctx context.Context, eventID, memberID uuid.UUID, draft domain.RegistrationDraft, proof domain.ManualPaymentProof) (*domain.FinalizedRegistration, error) {
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}
	if err := ValidateManualProof(proof); err != nil {
		return nil, err
	}

	table, _ := s.resolver.Resolve(ctx, eventID)
	breakdown := pricing.CalculateFees(draft, table, s.now())

	method := domain.PaymentMethodSelfReported
	if strings.TrimSpace(proof.VerifiedBy) != "" {
		method = domain.PaymentMethodRegistrationPoint
	}

	reg := &domain.FinalizedRegistration{
		ID:            uuid.New(),
		EventID:       eventID,
		MemberID:      memberID,
		Draft:         draft,
		Breakdown:     breakdown,
		TotalFee:      breakdown.TotalFee,
		PaymentMethod: method,
		PaymentID:     s.newInvoice(),
		TransactionID: strings.TrimSpace(proof.TransactionID),
		PaymentStatus: domain.PaymentStatusPending,
	}
	if number := strings.TrimSpace(proof.PaidFromNumber); number != "" {
		reg.PaidFromNumber = &number
	}
	if verifier := strings.TrimSpace(proof.VerifiedBy); verifier != "" {
		reg.VerifiedBy = &verifier
	}
	if code := strings.TrimSpace(proof.SecretCode); code != "" {
		reg.SecretCode = &code
	}

	if err := s.repo.CreateRegistration(ctx, reg); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, rabbitmq.RoutingKeyRegistrationCompleted, rabbitmq.RegistrationEvent{
		RegistrationID: &reg.ID,
		EventID:        reg.EventID,
		MemberID:       reg.MemberID,
		Invoice:        reg.PaymentID,
		TotalFee:       reg.TotalFee,
		PaymentMethod:  reg.PaymentMethod,
		Timestamp:      s.now(),
	})
	log.Printf("level=info component=service msg=\"manual registration finalized\" registration_id=%s event_id=%s member_id=%s method=%s", reg.ID, reg.EventID, reg.MemberID, method)
	return reg, nil
}

// GetRegistration fetches one member's finalized registration for an event.
func (s *Service) GetRegistration(ctx context.Context, eventID, memberID uuid.UUID) (*domain.FinalizedRegistration, error) {
	return s.repo.GetRegistrationByMember(ctx, eventID, memberID)
}

// ListRegistrations returns all finalized registrations for an event (operator route).
func (s *Service) ListRegistrations(ctx context.Context, eventID uuid.UUID) ([]domain.FinalizedRegistration, error) {
	return s.repo.ListRegistrationsByEvent(ctx, eventID)
}

// VerifyRegistration marks a manually-paid registration as verified by the
// named operator (operator route).
func (s *Service) VerifyRegistration(ctx context.Context, registrationID uuid.UUID, verifiedBy string) error {
	if strings.TrimSpace(verifiedBy) == "" {
		return &ValidationError{Problems: []string{"verified_by is required"}}
	}
	return s.repo.MarkRegistrationVerified(ctx, registrationID, strings.TrimSpace(verifiedBy))
}

// ExpireStaleContexts sweeps awaiting-gateway contexts past their expiry,
// tagging them failed with reason "timeout". Returns the number swept.
func (s *Service) ExpireStaleContexts(ctx context.Context) (int64, error) {
	swept, err := s.repo.ExpireStalePaymentContexts(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		log.Printf("level=info component=service msg=\"expired stale payment contexts\" count=%d", swept)
	}
	return swept, nil
}

// callbackURL is where the gateway redirects the payer's browser after checkout.
func (s *Service) callbackURL() string {
	return s.callbackBaseURL + "/payments/bkash/callback"
}

// newInvoice synthesizes an invoice-style id: RN-<yyyymmdd>-<8 hex chars>.
// Also used as the pseudo payment id on the manual paths.
func (s *Service) newInvoice() string {
	id := uuid.New()
	return fmt.Sprintf("RN-%s-%s", s.now().Format("20060102"), strings.ToUpper(id.String()[:8]))
}

// normalizeFailureReason folds the gateway's outcome and reason parameters
// into one of the four display reasons.
func normalizeFailureReason(outcome, reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case domain.FailureReasonCancelled, "cancel":
		return domain.FailureReasonCancelled
	case domain.FailureReasonTimeout, "timedout", "timed_out":
		return domain.FailureReasonTimeout
	case domain.FailureReasonError:
		return domain.FailureReasonError
	}
	if strings.ToLower(strings.TrimSpace(outcome)) == "cancelled" {
		return domain.FailureReasonCancelled
	}
	return domain.FailureReasonFailed
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, event rabbitmq.RegistrationEvent) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishRegistrationEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
