// Package voiceapi is the client for the voice-email server's narrow HTTP
// contract: audio submission, typed compose input and logout.
package voiceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/mailvoice/internal/reliability"
)

const (
	defaultSessionCookie = "session"
	maxErrorBody         = 4 << 10
)

// Response is the server's reply to one turn. Nullable fields stay nil when
// the server sends null or omits them.
type Response struct {
	Transcription *string `json:"transcription"`
	ResponseText  string  `json:"response_text"`
	Intent        string  `json:"intent"`
	EmailStep     *string `json:"email_step"`
	AudioURL      *string `json:"audio_url"`
}

// TranscriptionText returns the transcription or "".
func (r Response) TranscriptionText() string {
	if r.Transcription == nil {
		return ""
	}
	return *r.Transcription
}

// Step returns the dialogue step or "".
func (r Response) Step() string {
	if r.EmailStep == nil {
		return ""
	}
	return *r.EmailStep
}

// Audio returns the synthesized speech reference or "".
func (r Response) Audio() string {
	if r.AudioURL == nil {
		return ""
	}
	return strings.TrimSpace(*r.AudioURL)
}

// ServerError is a non-success response. Message comes from the {error}
// payload when present.
type ServerError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("voice server status %d: %s", e.Status, e.Message)
}

// NetworkError is a transport failure before any response arrived.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

type Options struct {
	BaseURL       string
	SessionCookie string
	Timeout       time.Duration
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("voice server url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid voice server url %q", raw)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if cookie := strings.TrimSpace(opts.SessionCookie); cookie != "" {
		name, value, ok := strings.Cut(cookie, "=")
		if !ok {
			name, value = defaultSessionCookie, cookie
		}
		jar.SetCookies(base, []*http.Cookie{{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value), Path: "/"}})
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// HTTPClient shares the session cookies with other fetchers, such as the
// speaker downloading audio_url resources.
func (c *Client) HTTPClient() *http.Client { return c.http }

// ResolveURL resolves a possibly relative reference against the server base.
func (c *Client) ResolveURL(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse audio url: %w", err)
	}
	return c.base.ResolveReference(u).String(), nil
}

// Process submits one encoded recording as multipart field "audio".
func (c *Client) Process(ctx context.Context, wav []byte) (Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return Response{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Response{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Response{}, fmt.Errorf("close multipart: %w", err)
	}
	return c.do(ctx, "/voice/process", mw.FormDataContentType(), &body)
}

// ComposeText submits typed compose input for one dialogue field.
func (c *Client) ComposeText(ctx context.Context, field, value string) (Response, error) {
	payload, err := json.Marshal(map[string]string{"field": field, "value": value})
	if err != nil {
		return Response{}, fmt.Errorf("marshal compose input: %w", err)
	}
	return c.do(ctx, "/voice/compose-text", "application/json", bytes.NewReader(payload))
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/logout"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: "logout", Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
	if res.StatusCode >= 400 {
		return &ServerError{Status: res.StatusCode, Message: http.StatusText(res.StatusCode), Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode)}
	}
	return nil
}

// endpoint joins path onto the base so a server mounted under a prefix
// keeps it.
func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), body)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, &NetworkError{Op: "post " + path, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return Response{}, &ServerError{
			Status:    res.StatusCode,
			Message:   errorMessage(res.StatusCode, raw),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, &NetworkError{Op: "decode " + path, Err: err}
	}
	return out, nil
}

func errorMessage(status int, raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return strings.TrimSpace(payload.Error)
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(status)
}
