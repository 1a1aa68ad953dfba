package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/app"
	"github.com/alumnihq/reunion-service/internal/domain"
	"github.com/alumnihq/reunion-service/internal/pricing"
	"github.com/alumnihq/reunion-service/internal/store"
	"github.com/alumnihq/reunion-service/pkg/rabbitmq"
)

// callbackRepository implements the slice of store.Repository the gateway
// callback touches; everything else panics via the embedded nil interface.
type callbackRepository struct {
	store.Repository

	claimable           *domain.PaymentContext
	failedReason        string
	createdRegistration *domain.FinalizedRegistration
	deletedContexts     []uuid.UUID
}

func (r *callbackRepository) GetPricingTable(ctx context.Context, eventID uuid.UUID) (*domain.PricingTable, error) {
	return nil, store.ErrPricingNotFound
}

func (r *callbackRepository) FindPaymentContextByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	if r.claimable == nil {
		return nil, store.ErrPaymentContextNotFound
	}
	return r.claimable, nil
}

func (r *callbackRepository) ClaimPaymentContext(ctx context.Context, gatewayPaymentID string) (*domain.PaymentContext, error) {
	if r.claimable == nil {
		return nil, store.ErrPaymentContextNotFound
	}
	claimed := *r.claimable
	claimed.Status = domain.ContextStatusReconciling
	r.claimable = nil
	return &claimed, nil
}

func (r *callbackRepository) MarkPaymentContextFailed(ctx context.Context, contextID uuid.UUID, reason string) error {
	r.failedReason = reason
	return nil
}

func (r *callbackRepository) DeletePaymentContext(ctx context.Context, contextID uuid.UUID) error {
	r.deletedContexts = append(r.deletedContexts, contextID)
	return nil
}

func (r *callbackRepository) CreateRegistration(ctx context.Context, reg *domain.FinalizedRegistration) error {
	r.createdRegistration = reg
	return nil
}

func callbackContext(gatewayPaymentID string) *domain.PaymentContext {
	id := gatewayPaymentID
	return &domain.PaymentContext{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		MemberID:         uuid.New(),
		Invoice:          "RN-20250501-ABCDEF12",
		Amount:           2500,
		GatewayPaymentID: &id,
		Draft: domain.RegistrationDraft{
			SSCYear:          "2005",
			TShirtSize:       domain.TShirtSizeL,
			CollectionMethod: domain.CollectionEventBooth,
		},
		Breakdown: domain.FeeBreakdown{TotalFee: 2500},
		Status:    domain.ContextStatusAwaitingGateway,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}
}

func newCallbackRouter(repo *callbackRepository, frontendReturnURL string) http.Handler {
	resolver := pricing.NewResolver(repo, pricing.DefaultTable(1500, 2000, 1000, 1000, time.Time{}, time.Time{}))
	service := app.NewService(repo, nil, &rabbitmq.EventProducerFallback{}, resolver, "https://api.example.com", "AlumniHQ", 30*time.Minute)
	return NewRouter(NewHandler(service, frontendReturnURL), testJWTSecret, "internal-key")
}

func TestGatewayCallbackCancelled(t *testing.T) {
	repo := &callbackRepository{claimable: callbackContext("TR1")}
	router := newCallbackRouter(repo, "")

	req := httptest.NewRequest(http.MethodGet, "/payments/bkash/callback?payment=cancelled&paymentID=TR1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != "failed" || body.Reason != domain.FailureReasonCancelled {
		t.Fatalf("response = %+v, want failed/cancelled", body)
	}
	if repo.failedReason != domain.FailureReasonCancelled {
		t.Fatalf("context tagged %q, want %s", repo.failedReason, domain.FailureReasonCancelled)
	}
	if repo.createdRegistration != nil {
		t.Fatal("a cancelled callback must never create a registration")
	}
}

func TestGatewayCallbackSuccess(t *testing.T) {
	pc := callbackContext("TR1")
	repo := &callbackRepository{claimable: pc}
	router := newCallbackRouter(repo, "")

	req := httptest.NewRequest(http.MethodGet, "/payments/bkash/callback?payment=success&paymentID=TR1&trxID=9AB7XK2M1D", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if repo.createdRegistration == nil {
		t.Fatal("a success callback must create a registration")
	}
	if repo.createdRegistration.TransactionID != "9AB7XK2M1D" {
		t.Fatalf("trx id = %s, want 9AB7XK2M1D", repo.createdRegistration.TransactionID)
	}
	if repo.createdRegistration.EventID != pc.EventID || repo.createdRegistration.MemberID != pc.MemberID {
		t.Fatal("registration must inherit the context's event and member")
	}
	if len(repo.deletedContexts) != 1 {
		t.Fatal("the claimed context must be cleared after finalization")
	}
}

func TestGatewayCallbackStatusParameterFolding(t *testing.T) {
	repo := &callbackRepository{claimable: callbackContext("TR1")}
	router := newCallbackRouter(repo, "")

	// Some gateway flows report the outcome in `status` and the payment id in
	// `payment_id`; the handler folds both into the canonical parameters.
	req := httptest.NewRequest(http.MethodGet, "/payments/bkash/callback?status=cancel&payment_id=TR1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != "failed" || body.Reason != domain.FailureReasonCancelled {
		t.Fatalf("response = %+v, want failed/cancelled", body)
	}
	if repo.createdRegistration != nil {
		t.Fatal("a cancelled callback must never create a registration")
	}
}

func TestGatewayCallbackRedirectsToFrontend(t *testing.T) {
	repo := &callbackRepository{claimable: callbackContext("TR1")}
	router := newCallbackRouter(repo, "https://reunion.example.com/register")

	req := httptest.NewRequest(http.MethodGet, "/payments/bkash/callback?payment=cancelled&paymentID=TR1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect location: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://reunion.example.com/register?") {
		t.Fatalf("redirect location = %s", location)
	}
	query := location.Query()
	if query.Get("payment") != "failed" || query.Get("reason") != domain.FailureReasonCancelled {
		t.Fatalf("redirect query = %v, want payment=failed reason=cancelled", query)
	}
}

func TestGatewayCallbackUnknownPayment(t *testing.T) {
	repo := &callbackRepository{}
	router := newCallbackRouter(repo, "")

	req := httptest.NewRequest(http.MethodGet, "/payments/bkash/callback?payment=success&paymentID=TR-unknown&trxID=9AB7XK2M1D", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != "error" || body.Message == "" {
		t.Fatalf("response = %+v, want an error status with a support message", body)
	}
	if repo.createdRegistration != nil {
		t.Fatal("an unmatched payment must never create a registration")
	}
}
