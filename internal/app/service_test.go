package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/domain"
	"github.com/alumnihq/reunion-service/internal/pricing"
	"github.com/alumnihq/reunion-service/internal/store"
	"github.com/alumnihq/reunion-service/pkg/bkashclient"
	"github.com/alumnihq/reunion-service/pkg/rabbitmq"
)

// stubRepository implements the slice of store.Repository the service tests
// exercise; everything else panics via the embedded nil interface.
type stubRepository struct {
	store.Repository

	pricingTable *domain.PricingTable
	pricingErr   error

	savedContext    *domain.PaymentContext
	attachedID      string
	deletedContexts []uuid.UUID
	claimable       *domain.PaymentContext
	claimErr        error
	failedReason    string

	createdRegistration *domain.FinalizedRegistration
	createErr           error

	expiredCount int64
	expiredAt    time.Time
}

func (r *stubRepository) GetPricingTable(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, error) {
	if r.pricingErr != nil {
		return nil, r.pricingErr
	}
	if r.pricingTable == nil {
		return nil, store.ErrPricingNotFound
	}
	return r.pricingTable, nil
}

func (r *stubRepository) SavePaymentContext(ctx context.Context, pc *domain.PaymentContext) error {
	r.savedContext = pc
	return nil
}

func (r *stubRepository) AttachGatewayPaymentID(ctx context.Context, contextID uuid.UUID, gatewayPaymentID string) error {
	r.attachedID = gatewayPaymentID
	return nil
}

func (r *stubRepository) DeletePaymentContext(ctx context.Context, contextID uuid.UUID) error {
	r.deletedContexts = append(r.deletedContexts, contextID)
	return nil
}

func (r *stubRepository) FindPaymentContextByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	if r.claimable == nil {
		return nil, store.ErrPaymentContextNotFound
	}
	return r.claimable, nil
}

func (r *stubRepository) ClaimPaymentContext(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	if r.claimable == nil {
		return nil, store.ErrPaymentContextNotFound
	}
	claimed := *r.claimable
	claimed.Status = domain.ContextStatusReconciling
	r.claimable = nil
	return &claimed, nil
}

func (r *stubRepository) MarkPaymentContextFailed(ctx context.Context, contextID uuid.UUID, reason string) error {
	r.failedReason = reason
	return nil
}

func (r *stubRepository) CreateRegistration(ctx context.Context, reg *domain.FinalizedRegistration) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.createdRegistration = reg
	return nil
}

func (r *stubRepository) ExpireStalePaymentContexts(ctx context.Context, olderThan time.Time) (int64, error) {
	r.expiredAt = olderThan
	return r.expiredCount, nil
}

type stubGateway struct {
	createResp  *bkashclient.CreatePaymentResponse
	createErr   error
	createCalls int

	execResp  *bkashclient.ExecutePaymentResponse
	execErr   error
	execCalls int
}

func (g *stubGateway) CreatePayment(ctx context.Context, amount int64, invoice, payerReference, callbackURL string) (*bkashclient.CreatePaymentResponse, error) {
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.createResp, nil
}

func (g *stubGateway) ExecutePayment(ctx context.Context, paymentID string) (*bkashclient.ExecutePaymentResponse, error) {
	g.execCalls++
	if g.execErr != nil {
		return nil, g.execErr
	}
	return g.execResp, nil
}

type recordingPublisher struct {
	routingKeys []string
	events      []rabbitmq.RegistrationEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *recordingPublisher) PublishRegistrationEvent(ctx context.Context, routingKey string, event rabbitmq.RegistrationEvent) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func servicePricingTable() *domain.PricingTable {
	return &domain.PricingTable{
		RegularEarlyBird:                1500,
		RegularLateOwl:                  2000,
		YoungAlumni:                     1000,
		FamilyAndChildren:               1000,
		EarlyBirdDeadline:               time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC),
		LateOwlDeadline:                 time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
		CurrentStudentAttendanceEnabled: true,
	}
}

func newTestService(repo *stubRepository, gateway *stubGateway, producer rabbitmq.Publisher) *Service {
	resolver := pricing.NewResolver(repo, pricing.DefaultTable(1500, 2000, 1000, 1000, time.Time{}, time.Time{}))
	svc := NewService(repo, gateway, producer, resolver, "https://api.example.com", "AlumniHQ", 30*time.Minute)
	svc.now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestInitiatePaymentSuccess(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{createResp: &bkashclient.CreatePaymentResponse{
		PaymentID: "TR00117h9j3k",
		BkashURL:  "https://sandbox.bka.sh/checkout/TR00117h9j3k",
	}}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	draft := validDraft()
	draft.BringingSpouse = true
	draft.SpouseName = "Farhana"

	initiation, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), draft)
	if err != nil {
		t.Fatalf("expected initiation to succeed, got %v", err)
	}
	if initiation.BkashURL != "https://sandbox.bka.sh/checkout/TR00117h9j3k" {
		t.Fatalf("unexpected checkout url %s", initiation.BkashURL)
	}
	if initiation.Amount != 2500 {
		t.Fatalf("amount = %d, want 2500", initiation.Amount)
	}
	if repo.savedContext == nil {
		t.Fatal("payment context was not saved")
	}
	if repo.savedContext.Status != domain.ContextStatusAwaitingGateway {
		t.Fatalf("context status = %s, want %s", repo.savedContext.Status, domain.ContextStatusAwaitingGateway)
	}
	if repo.savedContext.Amount != 2500 {
		t.Fatalf("context amount = %d, want 2500", repo.savedContext.Amount)
	}
	if repo.attachedID != "TR00117h9j3k" {
		t.Fatalf("gateway payment id %q was not attached", repo.attachedID)
	}
	if len(repo.deletedContexts) != 0 {
		t.Fatal("context must not be deleted on success")
	}
}

func TestInitiatePaymentInvalidDraft(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	_, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), domain.RegistrationDraft{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if gateway.createCalls != 0 {
		t.Fatal("gateway must not be called for an invalid draft")
	}
	if repo.savedContext != nil {
		t.Fatal("no context may be saved for an invalid draft")
	}
}

func TestInitiatePaymentNoPaymentDue(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	draft := domain.RegistrationDraft{
		IsCurrentStudent: true,
		TShirtSize:       domain.TShirtSizeM,
		CollectionMethod: domain.CollectionEventBooth,
	}

	_, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), draft)
	if !errors.Is(err, ErrNoPaymentDue) {
		t.Fatalf("expected ErrNoPaymentDue, got %v", err)
	}
	if gateway.createCalls != 0 {
		t.Fatal("gateway must not be called for a zero-total draft")
	}
}

func TestInitiatePaymentGatewayFailureRollsBack(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{createErr: bkashclient.ErrNoCheckoutURL}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	_, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), validDraft())
	var initErr *PaymentInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *PaymentInitError, got %v", err)
	}
	if !errors.Is(err, bkashclient.ErrNoCheckoutURL) {
		t.Fatalf("expected cause to unwrap to ErrNoCheckoutURL, got %v", err)
	}
	if repo.savedContext == nil || len(repo.deletedContexts) != 1 {
		t.Fatal("the saved context must be rolled back after a gateway failure")
	}
	if repo.deletedContexts[0] != repo.savedContext.ID {
		t.Fatal("rollback deleted the wrong context")
	}
}

func TestInitiatePaymentRateLimited(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{}
	svc := newTestService(repo, gateway, &recordingPublisher{})
	svc.SetRateLimiter(&stubLimiter{count: 11, retryAfter: 42}, 10)

	_, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), validDraft())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if gateway.createCalls != 0 {
		t.Fatal("gateway must not be called when rate limited")
	}
}

func TestInitiatePaymentLimiterOutageFailsOpen(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	gateway := &stubGateway{createResp: &bkashclient.CreatePaymentResponse{PaymentID: "TR1", BkashURL: "https://x"}}
	svc := newTestService(repo, gateway, &recordingPublisher{})
	svc.SetRateLimiter(&stubLimiter{err: errors.New("redis down")}, 10)

	if _, err := svc.InitiatePayment(context.Background(), uuid.New(), uuid.New(), validDraft()); err != nil {
		t.Fatalf("a limiter outage must not block initiation, got %v", err)
	}
}

func pendingContext(gatewayPaymentID string) *domain.PaymentContext {
	id := gatewayPaymentID
	return &domain.PaymentContext{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		MemberID:         uuid.New(),
		Invoice:          "RN-20250501-ABCDEF12",
		Amount:           2500,
		GatewayPaymentID: &id,
		Draft:            validDraft(),
		Breakdown:        domain.FeeBreakdown{TotalFee: 2500},
		Status:           domain.ContextStatusAwaitingGateway,
		ExpiresAt:        time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestHandleGatewayReturnCancelled(t *testing.T) {
	tests := []struct {
		name string
		ret  domain.GatewayReturn
	}{
		{
			name: "failed outcome with cancel reason",
			ret:  domain.GatewayReturn{Outcome: "failed", PaymentID: "TR1", Reason: "cancel"},
		},
		{
			name: "cancelled outcome without reason",
			ret:  domain.GatewayReturn{Outcome: "cancelled", PaymentID: "TR1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubRepository{claimable: pendingContext("TR1")}
			producer := &recordingPublisher{}
			svc := newTestService(repo, &stubGateway{}, producer)

			_, err := svc.HandleGatewayReturn(context.Background(), tc.ret)
			var failure *PaymentFailure
			if !errors.As(err, &failure) {
				t.Fatalf("expected *PaymentFailure, got %v", err)
			}
			if failure.Reason != domain.FailureReasonCancelled {
				t.Fatalf("reason = %s, want %s", failure.Reason, domain.FailureReasonCancelled)
			}
			if repo.failedReason != domain.FailureReasonCancelled {
				t.Fatalf("context tagged %q, want %s", repo.failedReason, domain.FailureReasonCancelled)
			}
			if repo.createdRegistration != nil {
				t.Fatal("a failed payment must never create a registration")
			}
			if len(producer.routingKeys) != 1 || producer.routingKeys[0] != rabbitmq.RoutingKeyPaymentFailed {
				t.Fatalf("expected one %s event, got %v", rabbitmq.RoutingKeyPaymentFailed, producer.routingKeys)
			}
		})
	}
}

func TestHandleGatewayReturnSuccessViaExecute(t *testing.T) {
	pc := pendingContext("TR1")
	repo := &stubRepository{claimable: pc}
	gateway := &stubGateway{execResp: &bkashclient.ExecutePaymentResponse{TrxID: "9AB7XK2M1D"}}
	producer := &recordingPublisher{}
	svc := newTestService(repo, gateway, producer)

	reg, err := svc.HandleGatewayReturn(context.Background(), domain.GatewayReturn{
		Outcome:   "success",
		PaymentID: "TR1",
	})
	if err != nil {
		t.Fatalf("expected finalization to succeed, got %v", err)
	}
	if gateway.execCalls != 1 {
		t.Fatal("execute must be called when the redirect carries no trx id")
	}
	if reg.TransactionID != "9AB7XK2M1D" {
		t.Fatalf("trx id = %s, want 9AB7XK2M1D", reg.TransactionID)
	}
	if reg.PaymentMethod != domain.PaymentMethodBkashCheckout {
		t.Fatalf("payment method = %s, want %s", reg.PaymentMethod, domain.PaymentMethodBkashCheckout)
	}
	if reg.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("payment status = %s, want %s", reg.PaymentStatus, domain.PaymentStatusPending)
	}
	if reg.EventID != pc.EventID || reg.MemberID != pc.MemberID {
		t.Fatal("registration must inherit the context's event and member")
	}
	if len(repo.deletedContexts) != 1 {
		t.Fatal("the claimed context must be cleared after finalization")
	}
	if len(producer.routingKeys) != 1 || producer.routingKeys[0] != rabbitmq.RoutingKeyRegistrationCompleted {
		t.Fatalf("expected one %s event, got %v", rabbitmq.RoutingKeyRegistrationCompleted, producer.routingKeys)
	}
}

func TestHandleGatewayReturnSuccessWithTrxID(t *testing.T) {
	repo := &stubRepository{claimable: pendingContext("TR1")}
	gateway := &stubGateway{}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	reg, err := svc.HandleGatewayReturn(context.Background(), domain.GatewayReturn{
		Outcome:       "success",
		PaymentID:     "TR1",
		TransactionID: "9AB7XK2M1D",
	})
	if err != nil {
		t.Fatalf("expected finalization to succeed, got %v", err)
	}
	if gateway.execCalls != 0 {
		t.Fatal("execute must be skipped when the trx id is supplied")
	}
	if reg.TransactionID != "9AB7XK2M1D" {
		t.Fatalf("trx id = %s, want 9AB7XK2M1D", reg.TransactionID)
	}
}

func TestHandleGatewayReturnMissingContext(t *testing.T) {
	repo := &stubRepository{}
	svc := newTestService(repo, &stubGateway{}, &recordingPublisher{})

	_, err := svc.HandleGatewayReturn(context.Background(), domain.GatewayReturn{
		Outcome:   "success",
		PaymentID: "TR-unknown",
	})
	var recon *ReconciliationError
	if !errors.As(err, &recon) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if recon.PaymentID != "TR-unknown" {
		t.Fatalf("reconciliation error carries payment id %q", recon.PaymentID)
	}
}

func TestHandleGatewayReturnReplayedCallback(t *testing.T) {
	repo := &stubRepository{claimable: pendingContext("TR1")}
	gateway := &stubGateway{execResp: &bkashclient.ExecutePaymentResponse{TrxID: "9AB7XK2M1D"}}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	ret := domain.GatewayReturn{Outcome: "success", PaymentID: "TR1"}
	if _, err := svc.HandleGatewayReturn(context.Background(), ret); err != nil {
		t.Fatalf("first callback must succeed, got %v", err)
	}

	// The replay finds no claimable context and must not finalize twice.
	_, err := svc.HandleGatewayReturn(context.Background(), ret)
	var recon *ReconciliationError
	if !errors.As(err, &recon) {
		t.Fatalf("expected *ReconciliationError on replay, got %v", err)
	}
}

func TestHandleGatewayReturnExpiredContext(t *testing.T) {
	pc := pendingContext("TR1")
	pc.ExpiresAt = time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)
	repo := &stubRepository{claimable: pc}
	svc := newTestService(repo, &stubGateway{}, &recordingPublisher{})

	_, err := svc.HandleGatewayReturn(context.Background(), domain.GatewayReturn{
		Outcome:   "success",
		PaymentID: "TR1",
	})
	var recon *ReconciliationError
	if !errors.As(err, &recon) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if repo.failedReason != domain.FailureReasonTimeout {
		t.Fatalf("expired context tagged %q, want %s", repo.failedReason, domain.FailureReasonTimeout)
	}
}

func TestHandleGatewayReturnFinalizeFailureKeepsContext(t *testing.T) {
	repo := &stubRepository{
		claimable: pendingContext("TR1"),
		createErr: store.ErrDuplicateRegistration,
	}
	gateway := &stubGateway{execResp: &bkashclient.ExecutePaymentResponse{TrxID: "9AB7XK2M1D"}}
	svc := newTestService(repo, gateway, &recordingPublisher{})

	_, err := svc.HandleGatewayReturn(context.Background(), domain.GatewayReturn{
		Outcome:   "success",
		PaymentID: "TR1",
	})
	var recon *ReconciliationError
	if !errors.As(err, &recon) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if len(repo.deletedContexts) != 0 {
		t.Fatal("the context row must be retained when finalization fails")
	}
	if repo.failedReason != domain.FailureReasonError {
		t.Fatalf("context tagged %q, want %s", repo.failedReason, domain.FailureReasonError)
	}
}

func TestRegisterManuallySelfReported(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	producer := &recordingPublisher{}
	svc := newTestService(repo, &stubGateway{}, producer)

	reg, err := svc.RegisterManually(context.Background(), uuid.New(), uuid.New(), validDraft(), domain.ManualPaymentProof{
		PaidFromNumber: "01712345678",
		TransactionID:  "9AB7XK2M1D",
	})
	if err != nil {
		t.Fatalf("expected manual registration to succeed, got %v", err)
	}
	if reg.PaymentMethod != domain.PaymentMethodSelfReported {
		t.Fatalf("method = %s, want %s", reg.PaymentMethod, domain.PaymentMethodSelfReported)
	}
	if reg.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("status = %s, want %s", reg.PaymentStatus, domain.PaymentStatusPending)
	}
	if reg.PaidFromNumber == nil || *reg.PaidFromNumber != "01712345678" {
		t.Fatal("paid-from number must be recorded")
	}
	if reg.TotalFee != 1500 {
		t.Fatalf("total = %d, want 1500", reg.TotalFee)
	}
	if len(producer.routingKeys) != 1 || producer.routingKeys[0] != rabbitmq.RoutingKeyRegistrationCompleted {
		t.Fatalf("expected one %s event, got %v", rabbitmq.RoutingKeyRegistrationCompleted, producer.routingKeys)
	}
}

func TestRegisterManuallyRegistrationPoint(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	svc := newTestService(repo, &stubGateway{}, &recordingPublisher{})

	reg, err := svc.RegisterManually(context.Background(), uuid.New(), uuid.New(), validDraft(), domain.ManualPaymentProof{
		VerifiedBy: "booth-3",
		SecretCode: "MELA2025",
	})
	if err != nil {
		t.Fatalf("expected manual registration to succeed, got %v", err)
	}
	if reg.PaymentMethod != domain.PaymentMethodRegistrationPoint {
		t.Fatalf("method = %s, want %s", reg.PaymentMethod, domain.PaymentMethodRegistrationPoint)
	}
	if reg.VerifiedBy == nil || *reg.VerifiedBy != "booth-3" {
		t.Fatal("verifier must be recorded")
	}
	if reg.SecretCode == nil || *reg.SecretCode != "MELA2025" {
		t.Fatal("secret code must be recorded")
	}
}

func TestRegisterManuallyRejectsEmptyProof(t *testing.T) {
	repo := &stubRepository{pricingTable: servicePricingTable()}
	svc := newTestService(repo, &stubGateway{}, &recordingPublisher{})

	_, err := svc.RegisterManually(context.Background(), uuid.New(), uuid.New(), validDraft(), domain.ManualPaymentProof{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if repo.createdRegistration != nil {
		t.Fatal("no registration may be created without proof")
	}
}

func TestExpireStaleContexts(t *testing.T) {
	repo := &stubRepository{expiredCount: 3}
	svc := newTestService(repo, &stubGateway{}, &recordingPublisher{})

	swept, err := svc.ExpireStaleContexts(context.Background())
	if err != nil {
		t.Fatalf("expected sweep to succeed, got %v", err)
	}
	if swept != 3 {
		t.Fatalf("swept = %d, want 3", swept)
	}
	if !repo.expiredAt.Equal(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("sweep cutoff = %s, want the service clock", repo.expiredAt)
	}
}

func TestVerifyRegistrationRequiresOperator(t *testing.T) {
	svc := newTestService(&stubRepository{}, &stubGateway{}, &recordingPublisher{})

	err := svc.VerifyRegistration(context.Background(), uuid.New(), "   ")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}
