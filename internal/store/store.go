// Package store holds the trigger-metadata database adapter. Loading and
// persisting trigger configuration belongs to the admin service; the only
// operation needed here is recording that a trigger has been
// auto-disabled.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// Database is the external collaborator the worker calls into when a
// webhook response disables a trigger.
type Database interface {
	DisableTrigger(ctx context.Context, triggerID string, statusCode int) error
}

// Memory is an in-process Database used by tests and by standalone/dev
// runs where there is no real admin service to call.
type Memory struct {
	mu       sync.Mutex
	disabled map[string]int
}

func NewMemory() *Memory {
	return &Memory{disabled: make(map[string]int)}
}

func (m *Memory) DisableTrigger(_ context.Context, triggerID string, statusCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled[triggerID] = statusCode
	return nil
}

// DisabledStatus returns the status code a trigger was disabled with, and
// whether it was disabled at all.
func (m *Memory) DisabledStatus(triggerID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.disabled[triggerID]
	return code, ok
}

// HTTP is a thin adapter that reports disablement to a real admin service
// over HTTP.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{BaseURL: baseURL, Client: http.DefaultClient}
}

type disableRequest struct {
	StatusCode int `json:"statusCode"`
}

func (h *HTTP) DisableTrigger(ctx context.Context, triggerID string, statusCode int) error {
	body, err := json.Marshal(disableRequest{StatusCode: statusCode})
	if err != nil {
		return errors.Wrap(err, "failed to encode disable request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/triggers/"+triggerID+"/disable", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build disable request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to reach admin service")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("admin service rejected disable: status %d", resp.StatusCode)
	}
	return nil
}
