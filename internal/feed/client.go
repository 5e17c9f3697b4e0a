package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/reversi-bot/internal/obslog"
)

var ErrNoNoteID = errors.New("feed: response carried no note id")

// APIError is a non-2xx reply from the feed API.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feed api %s: status=%d body=%s", e.Endpoint, e.Status, e.Body)
}

// Client talks to the social-feed HTTP API. Every call carries the
// account token as the "i" field of the JSON body.
type Client struct {
	host  string
	token string
	http  *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithHTTPClient replaces the transport, e.g. to dial an in-memory listener.
func WithHTTPClient(h *fasthttp.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(host, token string, opts ...Option) *Client {
	c := &Client{
		host:           strings.TrimRight(host, "/"),
		token:          token,
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createNoteRequest struct {
	I          string `json:"i"`
	Text       string `json:"text"`
	Visibility string `json:"visibility"`
	RenoteID   string `json:"renoteId,omitempty"`
}

type createNoteResponse struct {
	CreatedNote struct {
		ID string `json:"id"`
	} `json:"createdNote"`
}

// Announce posts text with home visibility, quoting replyTo when set, and
// returns the new note id.
func (c *Client) Announce(ctx context.Context, text, replyTo string) (string, error) {
	req := createNoteRequest{I: c.token, Text: text, Visibility: "home", RenoteID: replyTo}
	var resp createNoteResponse
	if err := c.doJSON(ctx, "notes/create", req, &resp, true); err != nil {
		return "", err
	}
	if resp.CreatedNote.ID == "" {
		return "", ErrNoNoteID
	}
	obslog.L().Info("feed_announce", zap.String("note_id", resp.CreatedNote.ID), zap.Bool("reply", replyTo != ""))
	return resp.CreatedNote.ID, nil
}

type matchRequest struct {
	I      string `json:"i"`
	UserID string `json:"userId"`
}

// AcceptMatch answers an invitation from userID and returns the raw match
// object the server replies with.
func (c *Client) AcceptMatch(ctx context.Context, userID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "reversi/match", matchRequest{I: c.token, UserID: userID}, &raw, false); err != nil {
		return nil, err
	}
	return raw, nil
}

// Account is the bot's own profile.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type tokenRequest struct {
	I string `json:"i"`
}

// Me resolves the account that owns the token.
func (c *Client) Me(ctx context.Context) (Account, error) {
	var acc Account
	if err := c.doJSON(ctx, "i", tokenRequest{I: c.token}, &acc, true); err != nil {
		return Account{}, err
	}
	if acc.ID == "" {
		return Account{}, errors.New("feed: i returned no account id")
	}
	return acc, nil
}

func (c *Client) doJSON(ctx context.Context, endpoint string, in, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.host + "/api/" + endpoint)
	req.Header.SetContentType("application/json")
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepWithContext(ctx, backoffDuration(attempt-1)); err != nil {
				return lastErr
			}
		}
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = fmt.Errorf("feed %s: request failed: %w", endpoint, err)
			continue
		}
		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = &APIError{Endpoint: endpoint, Status: status, Body: truncate(string(resp.Body()), 512)}
			if !shouldRetryStatus(status) {
				return lastErr
			}
			continue
		}
		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("feed %s: decode response: %w", endpoint, err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
