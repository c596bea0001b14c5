package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 120 * time.Second

// Client calls a hosted document-extraction service over HTTP.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// ClientConfig configures the HTTP extraction client.
type ClientConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// NewClient creates an extraction service client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type textRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type textResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type structureRequest struct {
	Text string `json:"text"`
}

type structureResponse struct {
	Structure *Structure `json:"structure"`
	Error     string     `json:"error,omitempty"`
}

// ExtractText performs OCR/text extraction on raw document bytes.
func (c *Client) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	var out textResponse
	err := c.post(ctx, "/v1/extract/text", textRequest{
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", &Error{Kind: KindInvalidInput, Message: "no text recovered from document"}
	}
	return out.Text, nil
}

// ExtractStructure derives tables and entities from anonymized text.
func (c *Client) ExtractStructure(ctx context.Context, anonymizedText string) (*Structure, error) {
	var out structureResponse
	err := c.post(ctx, "/v1/extract/structure", structureRequest{Text: anonymizedText}, &out)
	if err != nil {
		return nil, err
	}
	if out.Structure == nil {
		return nil, &Error{Kind: KindInvalidInput, Message: "extractor returned no structure"}
	}
	return out.Structure, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindUnavailable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindUnavailable, Message: "reading response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: msg}
	case status >= 500:
		return &Error{Kind: KindUnavailable, Message: msg}
	default:
		return &Error{Kind: KindInvalidInput, Message: msg}
	}
}

// Verify interface compliance.
var _ Service = (*Client)(nil)
