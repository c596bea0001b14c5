package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

// Client calls a hosted language-model service over HTTP.
// Retry policy lives in the pipeline; the client only classifies failures.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// ClientConfig configures the HTTP model client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient creates a model service client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type featuresRequest struct {
	Model        string `json:"model"`
	Text         string `json:"text"`
	Jurisdiction string `json:"jurisdiction"`
}

type featuresResponse struct {
	Features *PolicyFeatures `json:"features"`
	Error    string          `json:"error,omitempty"`
}

type explainRequest struct {
	Model     string          `json:"model"`
	Features  *PolicyFeatures `json:"features"`
	Candidate string          `json:"candidate"`
	Score     float64         `json:"score"`
}

type explainResponse struct {
	Explanation string `json:"explanation"`
	Error       string `json:"error,omitempty"`
}

// ExtractFeatures derives policy features from anonymized text.
func (c *Client) ExtractFeatures(ctx context.Context, anonymizedText, jurisdiction string) (*PolicyFeatures, error) {
	var out featuresResponse
	err := c.post(ctx, "/v1/features", featuresRequest{
		Model:        c.model,
		Text:         anonymizedText,
		Jurisdiction: jurisdiction,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Features == nil {
		return nil, &Error{Kind: KindInvalidInput, Message: "model returned no features"}
	}
	return out.Features, nil
}

// Explain produces a short comparison rationale for a candidate policy.
func (c *Client) Explain(ctx context.Context, features *PolicyFeatures, candidateName string, score float64) (string, error) {
	var out explainResponse
	err := c.post(ctx, "/v1/explain", explainRequest{
		Model:     c.model,
		Features:  features,
		Candidate: candidateName,
		Score:     score,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Explanation, nil
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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

// classifyStatus maps HTTP status codes to the typed error contract the
// pipeline retries on.
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
