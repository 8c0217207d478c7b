// File: internal/mailbox/client.go
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/authflow/internal/config"
)

const (
	adminAuthHeader = "x-admin-auth"
	maxErrorBody    = 512
)

// StatusError reports a non-2xx answer from the admin API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mailbox %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("mailbox %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the admin API of a catch-all mail service. It is safe for
// concurrent use; every request passes through a shared rate limiter.
type Client struct {
	baseURL    *url.URL
	adminKey   string
	pageSize   int
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a mailbox client from configuration.
func NewClient(cfg config.MailboxConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIBase == "" {
		return nil, errors.New("mailbox api base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.APIBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox api base URL: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log := logger.Named("mailbox")
	return &Client{
		baseURL:  base,
		adminKey: cfg.AdminKey,
		pageSize: pageSize,
		timeout:  timeout,
		httpClient: &http.Client{
			Transport: newTransport(cfg.InsecureSkipVerify, log),
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  log,
	}, nil
}

// Poll fetches the most recent page of mail and returns the records addressed
// to address that were sent by source.
func (c *Client) Poll(ctx context.Context, address, source string) ([]Record, error) {
	endpoint := c.endpoint("admin", "mails")
	q := endpoint.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", "0")
	endpoint.RawQuery = q.Encode()

	body, err := c.do(ctx, http.MethodGet, endpoint, "list")
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mailbox list: decoding response: %w", err)
	}

	matched := make([]Record, 0, len(resp.Results))
	for _, rec := range resp.Results {
		if rec.Address == address && rec.Source == source {
			matched = append(matched, rec)
		}
	}
	c.logger.Debug("Polled mailbox",
		zap.String("address", address),
		zap.Int("fetched", len(resp.Results)),
		zap.Int("matched", len(matched)))
	return matched, nil
}

// Delete removes a stored mail.
func (c *Client) Delete(ctx context.Context, id RecordID) error {
	if id == "" {
		return errors.New("mailbox delete: empty record id")
	}
	_, err := c.do(ctx, http.MethodDelete, c.endpoint("admin", "mails", string(id)), "delete")
	return err
}

func (c *Client) endpoint(segments ...string) *url.URL {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return &u
}

func (c *Client) do(ctx context.Context, method string, endpoint *url.URL, op string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("mailbox %s: building request: %w", op, err)
	}
	req.Header.Set(adminAuthHeader, c.adminKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mailbox %s: reading response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return body, nil
}
