// Package webhook POSTs trigger batches to a per-trigger webhook URL and
// classifies the response into success, disable, or retry.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/openwhisk/openwhisk-package-kafka/internal/kerrors"
	"github.com/openwhisk/openwhisk-package-kafka/internal/payload"
)

const postTimeout = 10 * time.Second

// Outcome classifies how the worker should react to a webhook response.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDisable
	OutcomeRetry
)

// Response is the classified result of one POST attempt.
type Response struct {
	Outcome      Outcome
	StatusCode   int
	ActivationID string
	// Dump is populated only for OutcomeDisable, for structured logging
	// of the request/response that got the trigger disabled.
	Dump *RequestResponseDump
}

// RequestResponseDump carries the request/response detail logged before a
// trigger is disabled.
type RequestResponseDump struct {
	RequestMethod string
	RequestURL    string
	RequestBody   string
	StatusCode    int
	ResponseBody  string
}

// Client is a thin wrapper over *http.Client with the fixed 10s deadline
// and optional TLS verification skip (LOCAL_DEV=True).
type Client struct {
	http *http.Client
}

func NewClient(skipTLSVerify bool) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: skipTLSVerify},
			},
		},
	}
}

type activationBody struct {
	ActivationID *string `json:"activationId"`
}

// Post sends body to targetURL and classifies the response. Network
// errors and 5xx/408/429 are retriable; 2xx is success; other 4xx
// disables the trigger.
func (c *Client) Post(ctx context.Context, targetURL string, body payload.Body) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, err, "failed to encode webhook body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindWebhookRetriable, err, "error talking to webhook")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var activation activationBody
		activationID := ""
		if resp.StatusCode != http.StatusNoContent {
			if err := json.Unmarshal(respBody, &activation); err == nil && activation.ActivationID != nil {
				activationID = *activation.ActivationID
			}
		}
		return &Response{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode, ActivationID: activationID}, nil

	case shouldDisable(resp.StatusCode):
		return &Response{
			Outcome:    OutcomeDisable,
			StatusCode: resp.StatusCode,
			Dump: &RequestResponseDump{
				RequestMethod: req.Method,
				RequestURL:    req.URL.String(),
				RequestBody:   string(encoded),
				StatusCode:    resp.StatusCode,
				ResponseBody:  string(respBody),
			},
		}, nil

	default:
		return &Response{Outcome: OutcomeRetry, StatusCode: resp.StatusCode}, nil
	}
}

// shouldDisable reports whether status should permanently disable a
// trigger: any 4xx except 408 (request timeout) and 429 (throttled),
// which are retriable.
func shouldDisable(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// RewriteHost overrides the host component of originalURL with apiHost
// while preserving the userinfo (embedded basic-auth) exactly, per the
// API_HOST environment override.
func RewriteHost(originalURL, apiHost string) (string, error) {
	if apiHost == "" {
		return originalURL, nil
	}
	u, err := url.Parse(originalURL)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse webhook URL")
	}
	u.Host = apiHost
	return u.String(), nil
}
