package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewdesk/internal/types"
)

const twilioAPIBase = "https://api.twilio.com"

// Twilio error codes for numbers that can never receive the message.
var undeliverableTwilioCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21610: true, // recipient unsubscribed (STOP)
	21614: true, // not a mobile number
}

type TwilioClientConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string // defaults to twilioAPIBase
	Logger     *slog.Logger
}

// TwilioClient implements SMSProvider over the Twilio Messages REST API.
type TwilioClient struct {
	base       *BaseClient
	accountSID string
	authToken  string
	baseURL    string
	logger     *slog.Logger
}

func NewTwilioClient(httpClient *http.Client, cfg TwilioClientConfig) *TwilioClient {
	base := NewBaseClient(
		httpClient,
		"twilio",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"CrewDesk/1.0",
		WithUpstreamCode(types.ErrCodeUpstreamTwilio),
	)
	return NewTwilioClientWithBase(base, cfg)
}

// NewTwilioClientWithBase lets tests supply a BaseClient with a fake sleep.
func NewTwilioClientWithBase(base *BaseClient, cfg TwilioClientConfig) *TwilioClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = twilioAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioClient{
		base:       base,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (c *TwilioClient) Send(ctx context.Context, msg SMSMessage) (*SMSReceipt, error) {
	if msg.To == "" || msg.From == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "twilio: to and from are required", nil)
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", msg.From)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "twilio: failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamTwilio, "twilio: unreadable response body", err)
	}

	if resp.StatusCode >= 300 {
		return nil, c.mapError(resp.StatusCode, body)
	}

	var m twilioMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamTwilio, "twilio: malformed message response", err)
	}

	c.logger.InfoContext(ctx, "sms accepted by twilio", "twilio_sid", m.SID, "status", m.Status)
	return &SMSReceipt{SID: m.SID, Status: m.Status}, nil
}

func (c *TwilioClient) mapError(status int, body []byte) error {
	var te twilioError
	if err := json.Unmarshal(body, &te); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamTwilio,
			fmt.Sprintf("twilio: status %d with non-JSON body", status), err)
	}
	details := map[string]any{"twilio_code": te.Code}
	if undeliverableTwilioCodes[te.Code] {
		return types.NewAppErrorWithDetails(types.ErrCodeSmsUndeliverable,
			fmt.Sprintf("twilio: message undeliverable: %s", te.Message), nil, details)
	}
	if status == http.StatusUnauthorized {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamTwilio,
			"twilio: credentials rejected", nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamTwilio,
		fmt.Sprintf("twilio: error %d (%d): %s", te.Code, status, te.Message), nil, details)
}

var _ SMSProvider = (*TwilioClient)(nil)
