/**
 * @description
 * This package provides a client for the bKash tokenized checkout API. It
 * encapsulates the logic for making authenticated HTTP requests to bKash's
 * endpoints, handling token grant/refresh, request body construction, and
 * response parsing.
 *
 * The hosted checkout handshake is: grant token -> create payment (returns the
 * checkout URL the browser navigates to) -> execute payment (after the gateway
 * redirects back with a success outcome).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, strconv, sync, time: Standard Go libraries.
 */
package bkashclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrNoCheckoutURL is returned when the create-payment response carries no
// hosted checkout URL. Callers must treat this as a failed initiation and
// must not persist any pending payment state.
var ErrNoCheckoutURL = errors.New("bkash create-payment response lacks a checkout url")

// Credentials holds the merchant app credentials issued by bKash.
type Credentials struct {
	AppKey    string
	AppSecret string
	Username  string
	Password  string
}

// Client is a client for the bKash tokenized checkout API.
type Client struct {
	BaseURL     string
	Credentials Credentials
	HTTPClient  *http.Client

	mu           sync.Mutex
	idToken      string
	tokenExpires time.Time
}

// NewClient creates a new bKash API client.
func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		BaseURL:     baseURL,
		Credentials: creds,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreatePaymentRequest is the payload for the create-payment endpoint. bKash
// expects the amount as a decimal string; the reunion fee schedule is whole
// taka, so the client formats it without a fractional part.
type CreatePaymentRequest struct {
	Mode                  string `json:"mode"`
	PayerReference        string `json:"payerReference"`
	CallbackURL           string `json:"callbackURL"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Intent                string `json:"intent"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
}

// CreatePaymentResponse is the expected response from the create-payment endpoint.
type CreatePaymentResponse struct {
	PaymentID     string `json:"paymentID"`
	BkashURL      string `json:"bkashURL"`
	CallbackURL   string `json:"callbackURL"`
	Amount        string `json:"amount"`
	Intent        string `json:"intent"`
	Currency      string `json:"currency"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

// ExecutePaymentResponse is the expected response from the execute endpoint.
type ExecutePaymentResponse struct {
	PaymentID             string `json:"paymentID"`
	TrxID                 string `json:"trxID"`
	TransactionStatus     string `json:"transactionStatus"`
	Amount                string `json:"amount"`
	CustomerMsisdn        string `json:"customerMsisdn"`
	MerchantInvoiceNumber string `json:"merchantInvoiceNumber"`
	StatusCode            string `json:"statusCode"`
	StatusMessage         string `json:"statusMessage"`
}

type tokenGrantResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	StatusCode   string `json:"statusCode"`
}

// APIError represents an error response from the bKash API.
type APIError struct {
	HTTPStatus    int
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (e *APIError) Error() string {
	if e.StatusMessage != "" {
		return fmt.Sprintf("bkash api error: %s - %s", e.StatusCode, e.StatusMessage)
	}
	return fmt.Sprintf("bkash api error: http %d", e.HTTPStatus)
}

// CreatePayment asks bKash to create a hosted-checkout payment. It returns
// ErrNoCheckoutURL when the gateway answered without a usable bkashURL even
// though the HTTP exchange itself succeeded.
func (c *Client) CreatePayment(ctx context.Context, amount int64, invoice, payerReference, callbackURL string) (*CreatePaymentResponse, error) {
	payload := CreatePaymentRequest{
		Mode:                  "0011",
		PayerReference:        payerReference,
		CallbackURL:           callbackURL,
		Amount:                strconv.FormatInt(amount, 10),
		Currency:              "BDT",
		Intent:                "sale",
		MerchantInvoiceNumber: invoice,
	}

	var resp CreatePaymentResponse
	if err := c.doAuthenticated(ctx, "/tokenized/checkout/create", payload, &resp); err != nil {
		return nil, err
	}
	if resp.BkashURL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &resp, nil
}

// ExecutePayment completes a previously created payment after the payer has
// approved it on the gateway. The returned TrxID is the payment proof carried
// onto the finalized registration.
func (c *Client) ExecutePayment(ctx context.Context, paymentID string) (*ExecutePaymentResponse, error) {
	payload := map[string]string{"paymentID": paymentID}

	var resp ExecutePaymentResponse
	if err := c.doAuthenticated(ctx, "/tokenized/checkout/execute", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doAuthenticated ensures a fresh id token and posts the payload to the given path.
func (c *Client) doAuthenticated(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return fmt.Errorf("token grant: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("X-App-Key", c.Credentials.AppKey)

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: httpResp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ensureToken returns a cached id token, granting a new one when the cached
// token is missing or within a minute of expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idToken != "" && time.Now().Before(c.tokenExpires.Add(-time.Minute)) {
		return c.idToken, nil
	}

	payload := map[string]string{
		"app_key":    c.Credentials.AppKey,
		"app_secret": c.Credentials.AppSecret,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tokenized/checkout/token/grant", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("username", c.Credentials.Username)
	req.Header.Set("password", c.Credentials.Password)

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: httpResp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return "", apiErr
	}

	var grant tokenGrantResponse
	if err := json.Unmarshal(respBody, &grant); err != nil {
		return "", fmt.Errorf("decode token grant: %w", err)
	}
	if grant.IDToken == "" {
		return "", errors.New("token grant response lacks an id_token")
	}

	c.idToken = grant.IDToken
	expiresIn := grant.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.tokenExpires = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return c.idToken, nil
}
