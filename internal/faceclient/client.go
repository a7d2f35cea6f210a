package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTransport marks failures to obtain a well-formed reply: network errors,
// timeouts, non-2xx statuses and undecodable bodies.
var ErrTransport = errors.New("face service unreachable")

// TransportError describes a failed exchange with the face service.
type TransportError struct {
	StatusCode int    // zero when no response arrived
	Detail     string // server-provided detail, if any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("face service error %d: %s", e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("face service error %d", e.StatusCode)
	default:
		return fmt.Sprintf("face service request failed: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// RejectedError is a well-formed reply whose status is not "success".
type RejectedError struct {
	Status  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("face service rejected request (status %q)", e.Status)
	}
	return fmt.Sprintf("face service rejected request: %s", e.Message)
}

// Score is a confidence value. The service sends it either as a string such
// as "93.21%" or as a bare number; both are kept in their textual form.
type Score string

func (s *Score) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Score(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	*s = Score(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// Recognition is the payload of a successful verification.
type Recognition struct {
	Name       string  `json:"name"`
	NIM        string  `json:"nim"`
	Confidence Score   `json:"confidence"`
	Model      string  `json:"model"`
	Distance   float64 `json:"distance,omitempty"`
}

// Client calls the face recognition service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Stats   *struct {
		TotalUsers int `json:"total_users"`
		TotalLogs  int `json:"total_logs"`
	} `json:"stats"`
}

// Verify submits one encoded still for 1:N identification with the given model.
func (c *Client) Verify(ctx context.Context, image, model string) (*Recognition, error) {
	env, err := c.call(ctx, http.MethodPost, "/verify", map[string]string{
		"image": image,
		"model": model,
	})
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, &RejectedError{Status: env.Status, Message: env.Message}
	}
	var out Recognition
	if len(env.Data) == 0 {
		return nil, &TransportError{Err: errors.New("success reply without data")}
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to decode recognition: %w", err)}
	}
	return &out, nil
}

// Register enrolls an identity with its ordered face photos.
func (c *Client) Register(ctx context.Context, nim, name string, images []string) error {
	env, err := c.call(ctx, http.MethodPost, "/register", map[string]any{
		"nim":    nim,
		"name":   name,
		"images": images,
	})
	if err != nil {
		return err
	}
	if env.Status != "success" {
		return &RejectedError{Status: env.Status, Message: env.Message}
	}
	return nil
}

// UploadDataset adds photos to an already enrolled identity.
func (c *Client) UploadDataset(ctx context.Context, nim string, images []string) error {
	env, err := c.call(ctx, http.MethodPost, "/upload-dataset", map[string]any{
		"nim":    nim,
		"images": images,
	})
	if err != nil {
		return err
	}
	if env.Status != "success" {
		return &RejectedError{Status: env.Status, Message: env.Message}
	}
	return nil
}

// Stats returns the number of enrolled users from the service dashboard.
func (c *Client) Stats(ctx context.Context) (int, error) {
	env, err := c.call(ctx, http.MethodGet, "/dashboard", nil)
	if err != nil {
		return 0, err
	}
	if env.Status != "success" {
		return 0, &RejectedError{Status: env.Status, Message: env.Message}
	}
	if env.Stats == nil {
		return 0, &TransportError{Err: errors.New("dashboard reply without stats")}
	}
	return env.Stats.TotalUsers, nil
}

// Health checks that the service answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Stats(ctx)
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		// A well-formed reply is enough.
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (*envelope, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{StatusCode: resp.StatusCode, Detail: errorDetail(bodyBytes)}
	}

	var out envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &out, nil
}

// errorDetail pulls a readable message out of an error body. FastAPI style
// {"detail": "..."} and {"message": "..."} bodies are recognised.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed.Detail.(string); ok && s != "" {
			return s
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(body))
}
