// Package openaicompat provides a generic driver for any service that speaks
// the OpenAI chat completions wire format (xAI, Groq, DeepSeek, Together AI,
// Perplexity, Cerebras, local inference servers, etc.). The vendor tag is
// configurable so several compatible services can coexist in one registry.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/runestonehq/runestone/internal/providers"
)

// Driver speaks the OpenAI wire format against a configurable base URL.
type Driver struct {
	vendor string
}

// New returns a driver registered under the given vendor tag
// (e.g. "groq", "deepseek").
func New(vendor string) *Driver { return &Driver{vendor: vendor} }

func (d *Driver) Vendor() string { return d.vendor }

func (d *Driver) Validate(cfg *providers.InstanceConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("%s: instance %q has no API key", d.vendor, cfg.Name)
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("%s: instance %q has no base URL", d.vendor, cfg.Name)
	}
	return nil
}

func (d *Driver) AuthHeaders(cfg *providers.InstanceConfig) []providers.Header {
	return []providers.Header{{Name: "Authorization", Value: "Bearer " + cfg.APIKey}}
}

// SupportedModels returns the configured model list. Compatible services have
// no common catalog, so an instance without an explicit list serves anything.
func (d *Driver) SupportedModels(cfg *providers.InstanceConfig) []string {
	return cfg.Models
}

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
				ch <- providers.Finish(providers.MapFinishReason(d.vendor, c.FinishReason))
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

func newClient(cfg *providers.InstanceConfig) openaiSDK.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openaiSDK.NewClient(opts...)
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
	default:
		return openaiSDK.UserMessage(content)
	}
}

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
