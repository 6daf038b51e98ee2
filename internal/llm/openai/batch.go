package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
)

var _ llm.BatchService = (*Client)(nil)

// UploadBatchFile uploads a JSONL payload with purpose=batch and returns the file id.
func (c *Client) UploadBatchFile(ctx context.Context, name string, payload []byte) (string, error) {
	start := time.Now()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("write purpose: %w", err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	form := body.Bytes()

	var file struct {
		ID string `json:"id"`
	}
	err = c.call(ctx, "files.create", func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/files", form)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &file)
	if err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", fmt.Errorf("files.create: empty file id")
	}
	c.logger.Info("llm.batch.upload",
		"file_id", file.ID, "name", name, "bytes", len(payload),
		"elapsed_ms", time.Since(start).Milliseconds())
	return file.ID, nil
}

// CreateBatch starts a batch job over an uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, in llm.CreateBatchRequest) (*llm.Batch, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}
	var out llm.Batch
	err = c.call(ctx, "batches.create", func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/batches", payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return nil, err
	}
	c.logger.Info("llm.batch.create", "batch_id", out.ID, "status", out.Status, "input_file_id", in.InputFileID)
	return &out, nil
}

// GetBatch fetches the current state of a batch job.
func (c *Client) GetBatch(ctx context.Context, id string) (*llm.Batch, error) {
	var out llm.Batch
	err := c.call(ctx, "batches.retrieve", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/batches/"+url.PathEscape(id), nil)
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FileContent downloads the raw content of a file, e.g. a batch output.
func (c *Client) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	var raw []byte
	err := llm.Retry(ctx, c.cfg.Retry, "files.content", c.logger, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID)+"/content", nil)
		if err != nil {
			return err
		}
		raw, _, err = llm.Do(c.http, req, c.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// call runs a JSON API request under the limiter and retry policy and decodes the response into out.
func (c *Client) call(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error), out any) error {
	return llm.Retry(ctx, c.cfg.Retry, op, c.logger, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := build(ctx)
		if err != nil {
			return err
		}
		raw, _, err := llm.Do(c.http, req, c.logger)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	})
}
