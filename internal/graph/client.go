package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// MaxInlineAttachmentBytes is the content size ceiling: attachments larger
// than this are mirrored as metadata only.
const MaxInlineAttachmentBytes = 10 << 20

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph: status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Reauth reports whether the failure means the account's authorization is
// no longer valid.
func (e *APIError) Reauth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsReauth reports whether err signals lost authorization.
func IsReauth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Reauth()
}

// Client speaks the provider's delta and subscription protocol. All wire
// details live here; callers see pages, items and typed errors.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// NewClient creates a provider client against baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With("component", "graph"),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// do performs one request with bounded retries on transient failures.
// Authorization failures are never retried. On success the body is decoded
// into out (when non-nil).
func (c *Client) do(ctx context.Context, token, method, requestURL string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoffBase << (attempt - 1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = c.doOnce(ctx, token, method, requestURL, body, out)
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) {
			if apiErr.Reauth() || !apiErr.Transient() {
				return lastErr
			}
			c.logger.Warn("transient provider failure, retrying",
				"status", apiErr.StatusCode, "attempt", attempt+1, "url", requestURL)
			continue
		}
		if ctx.Err() != nil {
			return lastErr
		}
		// Network-level failure; retry.
		c.logger.Warn("transport failure, retrying", "error", lastErr, "attempt", attempt+1)
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, token, method, requestURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getDelta fetches one delta page. link is either empty (start a new round
// at startURL), a stored delta cursor, or a next-page link; cursor and page
// links are opaque full URLs and are requested verbatim.
func getDelta[T any](ctx context.Context, c *Client, token, startURL, link string) (*Page[T], error) {
	requestURL := link
	if requestURL == "" {
		requestURL = startURL
	}

	var env deltaEnvelope[T]
	if err := c.do(ctx, token, http.MethodGet, requestURL, nil, &env); err != nil {
		return nil, err
	}
	return &Page[T]{Items: env.Value, NextLink: env.NextLink, DeltaLink: env.DeltaLink}, nil
}

// FoldersDelta fetches one page of the mail-folder change feed.
func (c *Client) FoldersDelta(ctx context.Context, token, link string) (*Page[Folder], error) {
	return getDelta[Folder](ctx, c, token, c.baseURL+"/me/mailFolders/delta", link)
}

// MessagesDelta fetches one page of a folder's message change feed.
func (c *Client) MessagesDelta(ctx context.Context, token, folderID, link string) (*Page[Message], error) {
	start := fmt.Sprintf("%s/me/mailFolders/%s/messages/delta", c.baseURL, url.PathEscape(folderID))
	return getDelta[Message](ctx, c, token, start, link)
}

// EventsDelta fetches one page of the calendar change feed.
func (c *Client) EventsDelta(ctx context.Context, token, link string) (*Page[Event], error) {
	return getDelta[Event](ctx, c, token, c.baseURL+"/me/events/delta", link)
}

// ChannelMessagesDelta fetches one page of a channel's message change feed.
func (c *Client) ChannelMessagesDelta(ctx context.Context, token, teamID, channelID, link string) (*Page[ChannelMessage], error) {
	start := fmt.Sprintf("%s/teams/%s/channels/%s/messages/delta",
		c.baseURL, url.PathEscape(teamID), url.PathEscape(channelID))
	return getDelta[ChannelMessage](ctx, c, token, start, link)
}

// ListChannels enumerates channels across the user's joined teams,
// draining pagination on both levels.
func (c *Client) ListChannels(ctx context.Context, token string) (map[Team][]Channel, error) {
	teams, err := drainList[Team](ctx, c, token, c.baseURL+"/me/joinedTeams")
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	out := make(map[Team][]Channel, len(teams))
	for _, team := range teams {
		channels, err := drainList[Channel](ctx, c, token,
			fmt.Sprintf("%s/teams/%s/channels", c.baseURL, url.PathEscape(team.ID)))
		if err != nil {
			return nil, fmt.Errorf("list channels for team %s: %w", team.ID, err)
		}
		out[team] = channels
	}
	return out, nil
}

func drainList[T any](ctx context.Context, c *Client, token, startURL string) ([]T, error) {
	var items []T
	requestURL := startURL
	for requestURL != "" {
		var env listEnvelope[T]
		if err := c.do(ctx, token, http.MethodGet, requestURL, nil, &env); err != nil {
			return nil, err
		}
		items = append(items, env.Value...)
		requestURL = env.NextLink
	}
	return items, nil
}

// GetAttachments lists attachment metadata for a message.
func (c *Client) GetAttachments(ctx context.Context, token, messageID string) ([]AttachmentMeta, error) {
	requestURL := fmt.Sprintf("%s/me/messages/%s/attachments?$select=id,name,contentType,size",
		c.baseURL, url.PathEscape(messageID))
	return drainList[AttachmentMeta](ctx, c, token, requestURL)
}

// GetAttachmentContent fetches an attachment's raw bytes. Callers gate this
// with MaxInlineAttachmentBytes; the client also refuses oversized bodies.
func (c *Client) GetAttachmentContent(ctx context.Context, token, messageID, attachmentID string) ([]byte, error) {
	requestURL := fmt.Sprintf("%s/me/messages/%s/attachments/%s/$value",
		c.baseURL, url.PathEscape(messageID), url.PathEscape(attachmentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxInlineAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > MaxInlineAttachmentBytes {
		return nil, fmt.Errorf("attachment %s exceeds inline ceiling", attachmentID)
	}
	return data, nil
}
