package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/sirupsen/logrus"
)

const maxAppendRetries = 3

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Client talks to the relay's REST API: login, the user directory and the
// call log.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logrus.Entry
}

func NewClient(baseURL, token string, logger *logrus.Entry) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login exchanges credentials for a token and keeps it for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	return resp.Token, nil
}

// Lookup returns the directory entry of identity.
func (c *Client) Lookup(ctx context.Context, identity string) (models.Contact, error) {
	var contact models.Contact
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(identity), nil, &contact); err != nil {
		return models.Contact{}, fmt.Errorf("lookup %s: %w", identity, err)
	}
	return contact, nil
}

// Append stores a finished call, retrying server errors a few times.
func (c *Client) Append(ctx context.Context, record models.CallRecord) error {
	op := func() error {
		err := c.do(ctx, http.MethodPost, "/api/calls", record, nil)
		var status *StatusError
		if errors.As(err, &status) && status.Code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	notify := func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait).Debug("retrying call log append")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, maxAppendRetries), ctx), notify); err != nil {
		return fmt.Errorf("append call: %w", err)
	}
	return nil
}

// History returns the authenticated user's call log, newest first.
func (c *Client) History(ctx context.Context) ([]models.CallRecord, error) {
	var resp struct {
		Calls []models.CallRecord `json:"calls"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/calls", nil, &resp); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return resp.Calls, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
