package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Defaults for the Gemini REST API; see
// https://ai.google.dev/api/generate-content
const (
	DefaultEndpoint       = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel          = "gemini-2.5-flash"
	DefaultEmbeddingModel = "text-embedding-004"
)

// Part is one piece of a turn: either text or an inline image.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inline_data,omitempty"`
}

// Blob carries base64-encoded binary data with its MIME type.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Text builds a text part.
func Text(s string) Part {
	return Part{Text: s}
}

// ImagePNG builds an inline-image part from PNG bytes.
func ImagePNG(data []byte) Part {
	return Part{InlineData: &Blob{
		MIMEType: "image/png",
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// Content is one attributed message in the conversation history.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Client talks to the Gemini generative language API.
type Client struct {
	apiKey         string
	model          string
	embeddingModel string
	endpoint       string
	httpClient     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the generation model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithEndpoint overrides the API base URL, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a Gemini API client. The API key is required.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	c := &Client{
		apiKey:         apiKey,
		model:          DefaultModel,
		embeddingModel: DefaultEmbeddingModel,
		endpoint:       DefaultEndpoint,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat is a stateful conversational channel: every Send posts the whole
// accumulated history plus the new turn, and records the model's reply.
// A Chat is safe for concurrent use; overlapping sends serialize so each
// reply lands in history next to its own turn.
type Chat struct {
	client  *Client
	mu      sync.Mutex
	history []Content
}

// StartChat opens a new conversation with empty history.
func (c *Client) StartChat() *Chat {
	return &Chat{client: c}
}

// Len returns the number of recorded history entries (turns and replies).
func (ch *Chat) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.history)
}

type generateRequest struct {
	Contents []Content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content Content `json:"content"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Send submits one multi-part user turn and returns the model's text
// reply. On any transport or API failure the turn is not recorded and the
// history is left untouched.
func (ch *Chat) Send(ctx context.Context, parts ...Part) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("empty turn")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	turn := Content{Role: "user", Parts: parts}
	req := generateRequest{Contents: append(append([]Content{}, ch.history...), turn)}

	url := fmt.Sprintf("%s/models/%s:generateContent", ch.client.endpoint, ch.client.model)
	var resp generateResponse
	if err := ch.client.post(ctx, url, req, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("model returned no candidates")
	}

	reply := resp.Candidates[0].Content
	var text string
	for _, p := range reply.Parts {
		text += p.Text
	}
	if reply.Role == "" {
		reply.Role = "model"
	}

	ch.history = append(ch.history, turn, reply)
	return text, nil
}

type embedRequest struct {
	Content Content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// EmbedText returns a vector embedding for the given text.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent", c.endpoint, c.embeddingModel)
	req := embedRequest{Content: Content{Parts: []Part{{Text: text}}}}

	var resp embedResponse
	if err := c.post(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embedding response contained no values")
	}
	return resp.Embedding.Values, nil
}

func (c *Client) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gemini response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini api error (%s): %s", httpResp.Status, apiErr.Error.Message)
		}
		return fmt.Errorf("gemini api error (%s): %s", httpResp.Status, string(respBytes))
	}

	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("failed to decode gemini response: %w; body=%s", err, string(respBytes))
	}
	return nil
}
