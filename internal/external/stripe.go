package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"crewdesk/internal/types"
)

// stripeAPIBase is overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient implements InvoiceLookup with direct HTTP calls routed through
// BaseClient. Responses decode into stripe-go's resource types.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient should carry a 20
// second timeout.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"CrewDesk/1.0",
		WithUpstreamCode(types.ErrCodeUpstreamStripe),
	)
	return NewStripeClientWithBase(base, cfg)
}

func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}
}

// GetInvoice fetches an invoice and reduces it to the fields payment
// reminders act on.
func (s *StripeClient) GetInvoice(ctx context.Context, stripeInvoiceID string) (*types.InvoiceSummary, error) {
	if stripeInvoiceID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "stripe invoice id is required", nil)
	}

	resp, err := s.doGet(ctx, "/v1/invoices/"+url.PathEscape(stripeInvoiceID))
	if err != nil {
		return nil, s.wrapStripeError("GetInvoice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetInvoice")
	}

	var inv stripe.Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "GetInvoice: failed to decode invoice", err)
	}
	return mapStripeInvoice(&inv), nil
}

func (s *StripeClient) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode), readErr)
	}

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundInvoice,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, se.Error.Message), nil)
	case resp.StatusCode == http.StatusUnauthorized:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe rejected credentials", operation), nil)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message), nil,
			map[string]any{"stripe_code": se.Error.Code, "stripe_type": se.Error.Type})
	}
}

// wrapStripeError passes BaseClient AppErrors through untouched.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

func mapStripeInvoice(inv *stripe.Invoice) *types.InvoiceSummary {
	out := &types.InvoiceSummary{
		ID:              inv.ID,
		Status:          types.InvoiceStatus(inv.Status),
		AmountDue:       inv.AmountDue,
		AmountRemaining: inv.AmountRemaining,
		HostedURL:       inv.HostedInvoiceURL,
		Currency:        string(inv.Currency),
		CustomerEmail:   inv.CustomerEmail,
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		out.DueDate = &due
	}
	return out
}

// StripeVerifier implements WebhookVerifier with stripe-go's HMAC-SHA256
// signature check and timestamp tolerance.
type StripeVerifier struct{}

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := webhook.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "stripe signature verification failed", err)
	}
	return nil
}

var (
	_ InvoiceLookup   = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
