// Package gemini adapts the official Google GenAI SDK to the gateway's
// uniform streaming driver contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/runestonehq/runestone/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	vendorName     = "gemini"
)

// Driver speaks the Gemini GenerateContent API.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Vendor() string { return vendorName }

func (d *Driver) Validate(cfg *providers.InstanceConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("gemini: instance %q has no API key", cfg.Name)
	}
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return fmt.Errorf("gemini: instance %q base URL: %w", cfg.Name, err)
		}
	}
	return nil
}

func (d *Driver) AuthHeaders(cfg *providers.InstanceConfig) []providers.Header {
	return []providers.Header{{Name: "x-goog-api-key", Value: cfg.APIKey}}
}

func (d *Driver) SupportedModels(cfg *providers.InstanceConfig) []string {
	if len(cfg.Models) > 0 {
		return cfg.Models
	}
	return []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
}

// Stream opens a streaming GenerateContent call and translates SDK responses
// into the uniform event stream.
func (d *Driver) Stream(ctx context.Context, cfg *providers.InstanceConfig, req *providers.RequestEnvelope) (<-chan providers.StreamEvent, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, providers.Classified(err)
	}
	contents, genCfg := buildContentsAndConfig(req)

	ch := make(chan providers.StreamEvent, providers.StreamBuffer)

	go func() {
		defer close(ch)

		var promptTok, completionTok int
		finishToken := ""

		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, genCfg) {
			if err != nil {
				ch <- providers.Fail(classify(err))
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				promptTok = int(resp.UsageMetadata.PromptTokenCount)
				completionTok = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			if text := candidateText(c); text != "" {
				ch <- providers.Chunk(text)
			}
			if c.FinishReason != "" {
				finishToken = string(c.FinishReason)
			}
		}

		if promptTok > 0 || completionTok > 0 {
			ch <- providers.Usage(promptTok, completionTok)
		}
		ch <- providers.Finish(providers.MapFinishReason(vendorName, finishToken))
	}()

	return ch, nil
}

// Embed implements providers.Embedder. All input strings go in one
// EmbedContent call as a batch of contents.
func (d *Driver) Embed(ctx context.Context, cfg *providers.InstanceConfig, model string, input []string) (*providers.EmbeddingResponse, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, providers.Classified(err)
	}

	contents := make([]*genai.Content, len(input))
	for i, text := range input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, providers.Errf(providers.ClassAPIError, "gemini: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{
			Index:     i,
			Embedding: emb.Values,
		}
	}

	return &providers.EmbeddingResponse{
		Model: model,
		Data:  data,
	}, nil
}

func newClient(ctx context.Context, cfg *providers.InstanceConfig) (*genai.Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return client, nil
}

func buildContentsAndConfig(req *providers.RequestEnvelope) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// classify maps SDK errors onto the gateway's closed error classes. The GenAI
// SDK reports the HTTP status in APIError.Code.
func classify(err error) *providers.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Class:   providers.ClassFromStatus(apiErr.Code),
			Message: apiErr.Message,
			Status:  apiErr.Code,
		}
	}
	return providers.Classified(err)
}
