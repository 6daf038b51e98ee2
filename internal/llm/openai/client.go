package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
)

var _ llm.ListingExtractor = (*Client)(nil)

// ExtractListing implements llm.ListingExtractor with one synchronous chat
// completion, using the same prompt, schema and temperature as batch lines.
func (c *Client) ExtractListing(ctx context.Context, req llm.ExtractRequest) (llm.ListingFields, []byte, error) {
	rid := uuid.New().String()
	start := time.Now()

	currency := req.DefaultCurrency
	if currency == "" {
		currency = c.cfg.DefaultCurrency
	}

	c.logger.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"text_len", len(req.Text),
		"default_currency", currency,
	)

	body := llm.ChatRequestBody(c.cfg.Model, c.cfg.Temperature, req.Text, currency)
	raw, err := c.CompleteChat(ctx, body)
	if err != nil {
		c.logger.Error("llm.extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.ListingFields{}, nil, err
	}

	content, err := llm.FirstChoiceContent(raw)
	if err != nil {
		c.logger.Error("llm.extract.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.ListingFields{}, raw, err
	}

	out, normalized, err := llm.DecodeListing([]byte(content), c.validator, c.cfg.DefaultCurrency, c.logger)
	if err != nil {
		c.logger.Error("llm.extract.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.ListingFields{}, []byte(content), err
	}

	c.logger.Info("llm.extract.ok",
		"req_id", rid,
		"make", out.Make,
		"model", out.Model,
		"year", out.Year,
		"price", out.Price,
		"currency", out.Currency,
		"ignore", out.Ignore,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, normalized, nil
}

// CompleteChat posts a chat completion body and returns the raw response.
func (c *Client) CompleteChat(ctx context.Context, body map[string]any) ([]byte, error) {
	var raw []byte
	err := llm.Retry(ctx, c.cfg.Retry, "chat.completions", c.logger, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		raw, _, err = llm.SendJSON(ctx, c.http, c.url("/chat/completions"), body, c.authHeaders(), c.logger)
		return err
	})
	return raw, err
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return req, nil
}
