/**
 * @description
 * HTTP handlers for the reunion registration service. Handlers decode and
 * sanity-check requests, delegate to the application service, and translate
 * the service's error taxonomy into HTTP responses. All gateway and store
 * failures are converted to structured JSON errors here; nothing propagates
 * as an unhandled panic into the router.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alumnihq/reunion-service/internal/app"
	"github.com/alumnihq/reunion-service/internal/domain"
	"github.com/alumnihq/reunion-service/internal/store"
)

// supportMessage is shown when a payment succeeded but could not be matched
// to a pending registration. There is no automatic reversal; a human has to
// look at it.
const supportMessage = "Your payment may have gone through but we could not finalize your registration. Please contact the organizing committee with your bKash transaction ID."

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service           *app.Service
	frontendReturnURL string
}

// NewHandler creates a new Handler with the given service. frontendReturnURL,
// when set, is where the gateway callback redirects the payer's browser after
// processing; when empty the callback answers with JSON instead.
func NewHandler(service *app.Service, frontendReturnURL string) *Handler {
	return &Handler{service: service, frontendReturnURL: strings.TrimRight(frontendReturnURL, "/")}
}

func (h *Handler) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}

	table, source := h.service.ResolvePricing(r.Context(), eventID)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"pricing": table,
		"source":  source,
	})
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}

	var draft domain.RegistrationDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	breakdown, source := h.service.QuoteFees(r.Context(), eventID, draft)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"breakdown":      breakdown,
		"pricing_source": source,
	})
}

func (h *Handler) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}
	memberID, ok := MemberFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var draft domain.RegistrationDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	initiation, err := h.service.InitiatePayment(r.Context(), eventID, memberID, draft)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, initiation)
}

// handleGatewayCallback receives the gateway's browser redirect. The outcome
// is processed server-side, then the browser is forwarded to the frontend
// with display parameters (or answered with JSON when no frontend URL is
// configured, which is how the tests drive it).
func (h *Handler) handleGatewayCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ret := domain.GatewayReturn{
		Outcome:       query.Get("payment"),
		PaymentID:     firstNonEmpty(query.Get("paymentID"), query.Get("payment_id")),
		TransactionID: firstNonEmpty(query.Get("trxID"), query.Get("trx_id")),
		Reason:        query.Get("reason"),
	}
	// bKash's hosted checkout reports the outcome in a `status` parameter on
	// some flows; fold it in when `payment` is absent.
	if ret.Outcome == "" {
		ret.Outcome = normalizeCallbackStatus(query.Get("status"))
	}

	reg, err := h.service.HandleGatewayReturn(r.Context(), ret)
	if err != nil {
		var failure *app.PaymentFailure
		if errors.As(err, &failure) {
			h.redirectOrRespond(w, r, http.StatusOK, url.Values{
				"payment": {"failed"},
				"reason":  {failure.Reason},
			}, map[string]interface{}{
				"status": "failed",
				"reason": failure.Reason,
			})
			return
		}
		var recon *app.ReconciliationError
		if errors.As(err, &recon) {
			log.Printf("Error reconciling payment %s: %v", ret.PaymentID, err)
			h.redirectOrRespond(w, r, http.StatusConflict, url.Values{
				"payment": {"error"},
				"reason":  {"error"},
			}, map[string]interface{}{
				"status":  "error",
				"message": supportMessage,
			})
			return
		}
		log.Printf("Error handling gateway callback for payment %s: %v", ret.PaymentID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.redirectOrRespond(w, r, http.StatusOK, url.Values{
		"payment":         {"success"},
		"registration_id": {reg.ID.String()},
	}, map[string]interface{}{
		"status":       "success",
		"registration": reg,
	})
}

// handleExecutePayment is the in-page checkout variant: the embedded SDK
// fires a success event in the member's browser instead of redirecting, and
// the client posts the payload here.
func (h *Handler) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if paymentID == "" {
		http.Error(w, "Payment ID is required", http.StatusBadRequest)
		return
	}

	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reg, err := h.service.HandleGatewayReturn(r.Context(), domain.GatewayReturn{
		Outcome:       "success",
		PaymentID:     paymentID,
		TransactionID: body.TransactionID,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, reg)
}

func (h *Handler) handleManualRegistration(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}
	memberID, ok := MemberFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Draft domain.RegistrationDraft  `json:"draft"`
		Proof domain.ManualPaymentProof `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reg, err := h.service.RegisterManually(r.Context(), eventID, memberID, body.Draft, body.Proof)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, reg)
}

func (h *Handler) handleGetMyRegistration(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}
	memberID, ok := MemberFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	reg, err := h.service.GetRegistration(r.Context(), eventID, memberID)
	if err != nil {
		if errors.Is(err, store.ErrRegistrationNotFound) {
			http.Error(w, "Registration not found", http.StatusNotFound)
			return
		}
		log.Printf("Error fetching registration for member %s: %v", memberID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, reg)
}

func (h *Handler) handleUpsertPricing(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}

	var table domain.PricingTable
	if err := json.NewDecoder(r.Body).Decode(&table); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	table.EventID = eventID

	if err := h.service.UpsertPricing(r.Context(), &table); err != nil {
		if errors.Is(err, store.ErrInvalidDeadlineOrder) || errors.Is(err, store.ErrNegativeRate) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		log.Printf("Error upserting pricing for event %s: %v", eventID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, table)
}

func (h *Handler) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseEventID(w, r)
	if !ok {
		return
	}

	regs, err := h.service.ListRegistrations(r.Context(), eventID)
	if err != nil {
		log.Printf("Error listing registrations for event %s: %v", eventID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, regs)
}

func (h *Handler) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid registration ID", http.StatusBadRequest)
		return
	}

	var body struct {
		VerifiedBy string `json:"verified_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.VerifyRegistration(r.Context(), registrationID, body.VerifiedBy); err != nil {
		if errors.Is(err, store.ErrRegistrationNotFound) {
			http.Error(w, "Registration not found or already verified", http.StatusNotFound)
			return
		}
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) handleExpireSweep(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.ExpireStaleContexts(r.Context())
	if err != nil {
		log.Printf("Error running payment expiry sweep: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"swept": swept})
}

// respondWithServiceError maps the application error taxonomy onto HTTP responses.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	var validation *app.ValidationError
	if errors.As(err, &validation) {
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    "validation failed",
			"problems": validation.Problems,
		})
		return
	}
	if errors.Is(err, app.ErrNoPaymentDue) {
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "no payment is due for this registration; use the manual registration route",
		})
		return
	}
	if errors.Is(err, app.ErrRateLimited) {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	var initErr *app.PaymentInitError
	if errors.As(err, &initErr) {
		log.Printf("Payment initiation failed: %v", initErr)
		respondWithJSON(w, http.StatusBadGateway, map[string]string{
			"error": "could not start the bKash payment; please try again",
		})
		return
	}
	var failure *app.PaymentFailure
	if errors.As(err, &failure) {
		respondWithJSON(w, http.StatusPaymentRequired, map[string]string{
			"status": "failed",
			"reason": failure.Reason,
		})
		return
	}
	var recon *app.ReconciliationError
	if errors.As(err, &recon) {
		log.Printf("Reconciliation failed for payment %s: %v", recon.PaymentID, recon)
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error": supportMessage,
		})
		return
	}
	if errors.Is(err, store.ErrDuplicateRegistration) {
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error": "a registration already exists for this event",
		})
		return
	}
	log.Printf("Unhandled service error: %v", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// redirectOrRespond forwards the browser to the frontend with display
// parameters when a frontend return URL is configured, and answers with JSON
// otherwise.
func (h *Handler) redirectOrRespond(w http.ResponseWriter, r *http.Request, jsonStatus int, params url.Values, payload interface{}) {
	if h.frontendReturnURL != "" {
		http.Redirect(w, r, h.frontendReturnURL+"?"+params.Encode(), http.StatusFound)
		return
	}
	respondWithJSON(w, jsonStatus, payload)
}

func parseEventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		http.Error(w, "Invalid event ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return eventID, true
}

func normalizeCallbackStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return "success"
	case "cancel", "cancelled":
		return "cancelled"
	case "":
		return ""
	default:
		return "failed"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
