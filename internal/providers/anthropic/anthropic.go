// Package anthropic adapts the official Anthropic SDK to the gateway's
// uniform streaming driver contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runestonehq/runestone/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	vendorName     = "anthropic"
)

// Driver speaks the Anthropic Messages API.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Vendor() string { return vendorName }

func (d *Driver) Validate(cfg *providers.InstanceConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("anthropic: instance %q has no API key", cfg.Name)
	}
	return nil
}

func (d *Driver) AuthHeaders(cfg *providers.InstanceConfig) []providers.Header {
	return []providers.Header{{Name: "x-api-key", Value: cfg.APIKey}}
}

func (d *Driver) SupportedModels(cfg *providers.InstanceConfig) []string {
	if len(cfg.Models) > 0 {
		return cfg.Models
	}
	return []string{"claude-3-5-sonnet", "claude-3-5-haiku", "claude-3-opus", "claude-sonnet-4", "claude-haiku-4"}
}

// Stream opens a streaming Messages call and translates SDK events into the
// uniform event stream. System and developer messages are folded into the
// Anthropic system prompt since the Messages API carries it out of band.
func (d *Driver) Stream(ctx context.Context, cfg *providers.InstanceConfig, req *providers.RequestEnvelope) (<-chan providers.StreamEvent, error) {
	client := newClient(cfg)
	params := buildParams(req)

	ch := make(chan providers.StreamEvent, providers.StreamBuffer)
	stream := client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var promptTok, completionTok int
		stopReason := ""
		toolIndex := -1

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.MessageStartEvent:
				promptTok = int(eventVariant.Message.Usage.InputTokens)

			case anthropicSDK.ContentBlockStartEvent:
				if tu, ok := eventVariant.ContentBlock.AsAny().(anthropicSDK.ToolUseBlock); ok {
					toolIndex++
					ch <- providers.ToolCall(providers.ToolCallDelta{
						Index: toolIndex,
						ID:    tu.ID,
						Name:  tu.Name,
					})
				}

			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.Chunk(deltaVariant.Text)
					}
				case anthropicSDK.InputJSONDelta:
					if deltaVariant.PartialJSON != "" && toolIndex >= 0 {
						ch <- providers.ToolCall(providers.ToolCallDelta{
							Index:     toolIndex,
							Arguments: deltaVariant.PartialJSON,
						})
					}
				}

			case anthropicSDK.MessageDeltaEvent:
				completionTok = int(eventVariant.Usage.OutputTokens)
				if r := string(eventVariant.Delta.StopReason); r != "" {
					stopReason = r
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.Fail(classify(err))
			return
		}
		if promptTok > 0 || completionTok > 0 {
			ch <- providers.Usage(promptTok, completionTok)
		}
		ch <- providers.Finish(providers.MapFinishReason(vendorName, stopReason))
	}()

	return ch, nil
}

func newClient(cfg *providers.InstanceConfig) anthropicSDK.Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return anthropicSDK.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
}

func buildParams(req *providers.RequestEnvelope) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropicSDK.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	anthRole := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropicSDK.MessageParamRoleAssistant
	}
	return anthropicSDK.MessageParam{
		Role: anthRole,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
}

// classify maps SDK errors onto the gateway's closed error classes.
func classify(err error) *providers.Error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Class:   providers.ClassFromStatus(apierr.StatusCode),
			Message: apierr.Error(),
			Status:  apierr.StatusCode,
		}
	}
	return providers.Classified(err)
}
