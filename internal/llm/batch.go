package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Batch is a job on the completion service's batch API.
type Batch struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Endpoint         string            `json:"endpoint"`
	InputFileID      string            `json:"input_file_id"`
	OutputFileID     string            `json:"output_file_id,omitempty"`
	ErrorFileID      string            `json:"error_file_id,omitempty"`
	CompletionWindow string            `json:"completion_window"`
	RequestCounts    RequestCounts     `json:"request_counts"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type CreateBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BatchService is the slice of the batch API the pipeline depends on.
type BatchService interface {
	UploadBatchFile(ctx context.Context, name string, payload []byte) (string, error)
	CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// RequestLine is one line of a batch input file.
type RequestLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

// ChatRequestBody is the chat completion body for one listing, shared by
// the batch and synchronous paths.
func ChatRequestBody(model string, temperature float32, text, defaultCurrency string) map[string]any {
	return map[string]any{
		"model":           model,
		"temperature":     temperature,
		"response_format": ResponseFormat(),
		"messages":        Messages(text, defaultCurrency),
	}
}

// EncodeRequestLine renders a single JSONL line without the trailing newline.
func EncodeRequestLine(l RequestLine) ([]byte, error) {
	if l.CustomID == "" {
		return nil, errors.New("request line: empty custom_id")
	}
	if l.Method == "" {
		l.Method = "POST"
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("request line %s: %w", l.CustomID, err)
	}
	return b, nil
}

// OutputLine is one line of a batch output file.
type OutputLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *OutputResponse `json:"response"`
	Error    *OutputError    `json:"error"`
}

type OutputResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       json.RawMessage `json:"body"`
}

type OutputError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure describes why the line carries no usable completion, or "" when it does.
func (o *OutputLine) Failure() string {
	switch {
	case o.Error != nil:
		return fmt.Sprintf("line error %s: %s", o.Error.Code, o.Error.Message)
	case o.Response == nil:
		return "missing response"
	case o.Response.StatusCode != 200:
		return fmt.Sprintf("status_code %d", o.Response.StatusCode)
	}
	return ""
}

// ChatCompletion is the subset of a chat completion response we read.
type ChatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// FirstChoiceContent extracts the message content of the first choice.
func FirstChoiceContent(body []byte) (string, error) {
	var cc ChatCompletion
	if err := json.Unmarshal(body, &cc); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", ErrInvalidOutput, err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidOutput)
	}
	msg := cc.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("%w: refusal: %s", ErrInvalidOutput, msg.Refusal)
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidOutput)
	}
	return content, nil
}

// ScanLines calls fn for each non-blank line of a JSONL payload with its
// 1-based line number. Lines may be arbitrarily long.
func ScanLines(payload []byte, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), len(payload)+1)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// CountLines returns the number of non-blank lines in a JSONL payload.
func CountLines(payload []byte) int {
	n := 0
	_ = ScanLines(payload, func(int, []byte) error {
		n++
		return nil
	})
	return n
}
