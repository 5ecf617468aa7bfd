package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lmoretti/outcall/internal/config"
	"github.com/lmoretti/outcall/internal/reliability"
)

// Dialer places outbound calls through the telephony provider's REST API.
// The provider call id it returns is the key every later webhook carries.
type Dialer interface {
	Dial(ctx context.Context, phone, campaignID, contactID string) (string, error)
}

type restDialer struct {
	cfg    config.Config
	client *http.Client
}

func NewDialer(cfg config.Config) Dialer {
	return &restDialer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type dialResponse struct {
	SID string `json:"sid"`
}

// Call initiation is operator-driven, not under a webhook deadline, so a
// transient provider error gets one short retry before surfacing.
const (
	maxDialAttempts = 2
	dialRetryBase   = 200 * time.Millisecond
	dialRetryCap    = 2 * time.Second
)

func (d *restDialer) Dial(ctx context.Context, phone, campaignID, contactID string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("dial: phone number is required")
	}
	if d.cfg.TelephonyAccountSID == "" || d.cfg.TelephonyAuthToken == "" {
		return "", fmt.Errorf("dial: telephony credentials not configured")
	}

	answerURL := d.cfg.PublicBaseURL + "/answer?campaign_id=" + url.QueryEscape(campaignID)
	if contactID != "" {
		answerURL += "&contact_id=" + url.QueryEscape(contactID)
	}

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", d.cfg.TelephonyFromNumber)
	form.Set("Url", answerURL)
	form.Set("StatusCallback", d.cfg.PublicBaseURL+"/status")
	form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	form.Set("MachineDetection", "Enable")
	body := form.Encode()

	endpoint := strings.TrimRight(d.cfg.TelephonyBaseURL, "/") +
		"/2010-04-01/Accounts/" + url.PathEscape(d.cfg.TelephonyAccountSID) + "/Calls.json"

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, dialRetryBase, dialRetryCap)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		sid, retryable, err := d.dialOnce(ctx, endpoint, body)
		if err == nil {
			return sid, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

func (d *restDialer) dialOnce(ctx context.Context, endpoint, body string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.SetBasicAuth(d.cfg.TelephonyAccountSID, d.cfg.TelephonyAuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("dial request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("dial failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return "", reliability.IsRetryableHTTPStatus(resp.StatusCode), err
	}

	var parsed dialResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode dial response: %w", err)
	}
	if parsed.SID == "" {
		return "", false, fmt.Errorf("dial response has no call sid")
	}
	return parsed.SID, false, nil
}
