package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	maxResponseBody       = 4 << 20
)

// StatusError is a non-2xx answer that did not carry an acknowledgement.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to the sync server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for an access token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username string, password string) (domain.LoginResponse, error) {
	var resp domain.LoginResponse
	status, body, err := c.do(ctx, http.MethodPost, "/auth/login", domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		return resp, err
	}
	if status != http.StatusOK {
		return resp, statusError(status, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("decode login response: %w", err)
	}
	c.SetToken(resp.AccessToken)
	return resp, nil
}

// Register asks the server for a new terminal number in organizationID.
func (c *Client) Register(ctx context.Context, organizationID string, deviceID string) (domain.TerminalRegisterResponse, error) {
	var resp domain.TerminalRegisterResponse
	status, body, err := c.do(ctx, http.MethodPost, "/terminals/register", domain.TerminalRegisterRequest{
		OrganizationID: organizationID,
		DeviceID:       deviceID,
	})
	if err != nil {
		return resp, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return resp, statusError(status, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("decode register response: %w", err)
	}
	return resp, nil
}

// Push sends a packet and returns the server's acknowledgement. Rejections
// come back as a FAILED ack with a nil error; an error means no ack was read
// and the packet's fate is unknown.
func (c *Client) Push(ctx context.Context, packet domain.SyncPacket) (domain.SyncAck, error) {
	var ack domain.SyncAck
	status, body, err := c.do(ctx, http.MethodPost, "/sync/push", packet)
	if err != nil {
		return ack, err
	}
	if err := json.Unmarshal(body, &ack); err != nil || ack.Status == "" {
		return domain.SyncAck{}, statusError(status, body)
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, method string, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &StatusError{Code: status, Message: msg}
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// ApplyResult counts what an acknowledgement did to the local rows.
type ApplyResult struct {
	Synced int
	Failed int
	// Unrecognized is set when the server asked the terminal to identify its
	// organization again.
	Unrecognized bool
}

// Apply records the outcome of one push against the refs that were sent.
// SUCCESS marks every ref synced, PARTIAL marks all refs the ack did not name,
// FAILED marks none. Refs that stay pending get an attempt and the reason.
func Apply(store *LocalStore, ack domain.SyncAck, refs []Ref) (ApplyResult, error) {
	var res ApplyResult

	failedMsg := make(map[Ref]string)
	for _, e := range ack.Errors {
		failedMsg[Ref{Kind: e.EntityType, ID: e.EntityID}] = e.Message
		if e.Message == domain.MsgTerminalNotRecognized {
			res.Unrecognized = true
		}
	}

	var ok, failed []Ref
	switch ack.Status {
	case domain.SyncSuccess:
		ok = refs
	case domain.SyncPartial:
		for _, ref := range refs {
			if _, named := failedMsg[Ref{Kind: ref.Kind, ID: ref.ID}]; named {
				failed = append(failed, ref)
			} else {
				ok = append(ok, ref)
			}
		}
	default:
		failed = refs
	}

	err := store.Transaction(func(tx *LocalStore) error {
		if len(ok) > 0 {
			n, err := tx.MarkSynced(ok)
			if err != nil {
				return err
			}
			res.Synced = n
		}
		for _, ref := range failed {
			msg, named := failedMsg[Ref{Kind: ref.Kind, ID: ref.ID}]
			if !named {
				msg = ackSummary(ack)
			}
			if err := tx.RecordFailure([]Ref{ref}, msg); err != nil {
				return err
			}
		}
		res.Failed = len(failed)

		switch {
		case res.Unrecognized:
			return tx.SetSetting(SettingTerminalConfirmed, "false")
		case ack.Status != domain.SyncFailed:
			if err := tx.SetSetting(SettingTerminalConfirmed, "true"); err != nil {
				return err
			}
			return tx.SetSetting(SettingLastSyncAt, ack.ProcessedAt.UTC().Format(time.RFC3339))
		}
		return nil
	})
	return res, err
}

// ApplyTransportError counts a failed attempt on every ref when no ack came back.
func ApplyTransportError(store *LocalStore, refs []Ref, cause error) error {
	return store.RecordFailure(refs, cause.Error())
}

func ackSummary(ack domain.SyncAck) string {
	if len(ack.Errors) == 0 {
		return "packet " + string(ack.Status)
	}
	return ack.Errors[0].Message
}
