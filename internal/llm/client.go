// Package llm speaks the inference endpoint's wire format: a bearer-token
// JSON POST of role-tagged messages, answered with completion choices. It
// also builds those messages from a reference chain, assigning roles so the
// model never sees its own prior replies labelled as user input.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/masqhq/masq/internal/fault"
	"github.com/masqhq/masq/internal/refchain"
	"github.com/masqhq/masq/internal/telemetry"
)

// MediaPayload is one multimodal item attached to a message.
type MediaPayload struct {
	Kind string `json:"kind"` // "image", "audio", "video", "file"
	URL  string `json:"url"`
}

// Message is one wire-format turn.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content string         `json:"content"`
	Media   []MediaPayload `json:"media,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// HTTPError carries a non-2xx response for retry classification.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm endpoint returned %d: %s", e.Status, e.Body)
}

// Retriable reports whether the status merits another attempt: everything
// above 499 plus 429.
func (e *HTTPError) Retriable() bool {
	return e.Status > 499 || e.Status == http.StatusTooManyRequests
}

const (
	retryAttempts   = 3
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 10 * time.Second
	maxErrorBodyLen = 512
)

// Client posts chat requests to the configured endpoint. The token varies
// per call: every request runs under the originating user's credentials.
type Client struct {
	endpoint string
	model    string
	client   *http.Client
}

// New builds a client. timeout caps each attempt, not the whole retry loop;
// the caller's context bounds that.
func New(endpoint, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

// Complete sends messages under the given bearer token and returns the first
// choice's content. Transient statuses are retried with backoff, honoring
// Retry-After on 429. The returned error carries a fault kind.
func (c *Client) Complete(ctx context.Context, token string, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fault.Wrapf(fault.KindInternal, "marshal llm request: %w", err)
	}

	var text string
	err = telemetry.WithSpan(ctx, "llm.complete", func(ctx context.Context) error {
		text, err = retry.DoWithData(
			func() (string, error) {
				return c.doRequest(ctx, token, body)
			},
			retry.RetryIf(func(err error) bool {
				httpErr, ok := asHTTPError(err)
				return ok && httpErr.Retriable()
			}),
			retry.Attempts(retryAttempts),
			retry.Delay(retryBaseDelay),
			retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
				if httpErr, ok := asHTTPError(err); ok && httpErr.RetryAfter > 0 {
					return httpErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, cfg)
			}),
			retry.MaxDelay(retryMaxDelay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return classify(err)
		}
		return nil
	},
		attribute.String("llm.model", c.model),
		attribute.Int("llm.turns", len(messages)),
	)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) doRequest(ctx context.Context, token string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return "", &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response carried no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func asHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// classify maps a final error to its fault kind: terminal 4xx is permanent,
// everything else (5xx, 429 exhaustion, network, cancellation) transient.
func classify(err error) error {
	if httpErr, ok := asHTTPError(err); ok && !httpErr.Retriable() {
		return fault.Wrap(fault.KindLLMPermanent, err)
	}
	return fault.Wrap(fault.KindLLMTransient, err)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// mediaPayloads converts extracted media references to the wire shape.
func mediaPayloads(media []refchain.Media) []MediaPayload {
	if len(media) == 0 {
		return nil
	}
	out := make([]MediaPayload, len(media))
	for i, m := range media {
		out[i] = MediaPayload{Kind: m.Kind.String(), URL: m.URL}
	}
	return out
}
