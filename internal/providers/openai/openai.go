// Package openai adapts the official OpenAI SDK to the gateway's uniform
// streaming driver contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/runestonehq/runestone/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	vendorName     = "openai"
)

// Driver speaks the OpenAI chat completions and embeddings APIs.
type Driver struct{}

// New returns the OpenAI driver. Drivers are stateless; per-instance
// credentials and endpoints arrive through InstanceConfig.
func New() *Driver { return &Driver{} }

func (d *Driver) Vendor() string { return vendorName }

func (d *Driver) Validate(cfg *providers.InstanceConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("openai: instance %q has no API key", cfg.Name)
	}
	if cfg.BaseURL != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return fmt.Errorf("openai: instance %q base URL: %w", cfg.Name, err)
		}
	}
	return nil
}

func (d *Driver) AuthHeaders(cfg *providers.InstanceConfig) []providers.Header {
	return []providers.Header{{Name: "Authorization", Value: "Bearer " + cfg.APIKey}}
}

func (d *Driver) SupportedModels(cfg *providers.InstanceConfig) []string {
	if len(cfg.Models) > 0 {
		return cfg.Models
	}
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano", "o3-mini"}
}

// Stream opens a streaming chat completion and translates SDK chunks into
// the uniform event stream. The returned channel is closed after a terminal
// finish or error event.
func (d *Driver) Stream(ctx context.Context, cfg *providers.InstanceConfig, req *providers.RequestEnvelope) (<-chan providers.StreamEvent, error) {
	client := newClient(cfg)
	params, opts := buildParams(req)

	ch := make(chan providers.StreamEvent, providers.StreamBuffer)
	stream := client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		finished := false
		for stream.Next() {
			chunk := stream.Current()

			// The usage chunk arrives with an empty choices list after the
			// final delta when stream_options.include_usage is set.
			if chunk.Usage.TotalTokens > 0 {
				ch <- providers.Usage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- providers.Chunk(c.Delta.Content)
			}
			for _, tc := range c.Delta.ToolCalls {
				ch <- providers.ToolCall(providers.ToolCallDelta{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if c.FinishReason != "" && !finished {
				finished = true
				ch <- providers.Finish(providers.MapFinishReason(vendorName, c.FinishReason))
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Fail(classify(err))
			return
		}
		if !finished {
			ch <- providers.Finish(providers.FinishStop)
		}
	}()

	return ch, nil
}

// Embed implements providers.Embedder.
func (d *Driver) Embed(ctx context.Context, cfg *providers.InstanceConfig, model string, input []string) (*providers.EmbeddingResponse, error) {
	client := newClient(cfg)

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: input,
		},
	}

	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &providers.EmbeddingResponse{
		Model:        resp.Model,
		Data:         data,
		PromptTokens: int(resp.Usage.PromptTokens),
	}, nil
}

func newClient(cfg *providers.InstanceConfig) openaiSDK.Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" && cfg.BaseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, cfg.BaseURL)
	}
	return openaiSDK.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	)
}

func buildParams(req *providers.RequestEnvelope) (openaiSDK.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	// Stop sequences and stream usage accounting are set on the wire body
	// directly; the SDK's union setters vary across minor versions.
	opts := []option.RequestOption{
		option.WithJSONSet("stream_options.include_usage", true),
	}
	if len(req.Stop) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.Stop))
	}
	return params, opts
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}

// classify maps SDK errors onto the gateway's closed error classes.
func classify(err error) *providers.Error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Class:   providers.ClassFromStatus(apierr.StatusCode),
			Message: apierr.Error(),
			Status:  apierr.StatusCode,
		}
	}
	return providers.Classified(err)
}
