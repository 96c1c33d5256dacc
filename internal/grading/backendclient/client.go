// Package backendclient talks to the backend that owns assignments and
// receives grading callbacks.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "acarunner/pkg/errors"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultAssignmentsPath = "/runner/assignments"
	DefaultCallbackPath    = "/runner/callback"

	maxBodyBytes = 4 << 20
)

// Config holds backend endpoint settings.
type Config struct {
	BaseURL         string        `yaml:"baseURL"`
	AssignmentsPath string        `yaml:"assignmentsPath"`
	CallbackPath    string        `yaml:"callbackPath"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Client issues the two backend calls a run needs. Calls are never retried.
type Client struct {
	cfg   Config
	http  *http.Client
	group singleflight.Group
}

// New creates a client, filling zero config fields with defaults.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AssignmentsPath == "" {
		cfg.AssignmentsPath = DefaultAssignmentsPath
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// ListAssignments fetches the full assignment collection. Concurrent
// callers share one in-flight request.
func (c *Client) ListAssignments(ctx context.Context) ([]Assignment, error) {
	v, err, _ := c.group.Do("assignments", func() (interface{}, error) {
		// detached so one caller's cancellation does not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.fetchAssignments(fetchCtx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Assignment), nil
}

// FindAssignment returns the assignment whose id equals id exactly.
func (c *Client) FindAssignment(ctx context.Context, id string) (Assignment, error) {
	list, err := c.ListAssignments(ctx)
	if err != nil {
		return Assignment{}, err
	}
	for _, a := range list {
		if string(a.ID) == id {
			return a, nil
		}
	}
	return Assignment{}, appErr.New(appErr.AssignmentNotFound).WithDetail("assignment_id", id)
}

func (c *Client) fetchAssignments(ctx context.Context) ([]Assignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.AssignmentsPath, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BackendUnavailable, "Failed to fetch assignment info: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BackendUnavailable, "Failed to fetch assignment info: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BackendUnavailable, "Failed to fetch assignment info: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, appErr.Newf(appErr.BackendBadResponse, "Failed to fetch assignment info: status %d", resp.StatusCode)
	}
	list, err := decodeAssignments(body)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.BackendBadResponse, "Failed to fetch assignment info: %v", err)
	}
	return list, nil
}

// decodeAssignments accepts a bare array or an object wrapping it.
func decodeAssignments(body []byte) ([]Assignment, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var list []Assignment
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decode assignments: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Assignments []Assignment `json:"assignments"`
		Data        []Assignment `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}
	if wrapped.Assignments != nil {
		return wrapped.Assignments, nil
	}
	return wrapped.Data, nil
}

// SendCallback posts the run outcome. The response body is ignored.
func (c *Client) SendCallback(ctx context.Context, cb Callback) error {
	payload, err := json.Marshal(cb)
	if err != nil {
		return appErr.Wrapf(err, appErr.CallbackFailed, "encode callback failed")
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.CallbackPath, bytes.NewReader(payload))
	if err != nil {
		return appErr.Wrapf(err, appErr.CallbackFailed, "build callback request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.CallbackFailed, "send callback failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return appErr.Newf(appErr.CallbackFailed, "callback rejected with status %d", resp.StatusCode)
	}
	return nil
}
