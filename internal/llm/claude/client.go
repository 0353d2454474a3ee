// Package claude adapts the Anthropic Messages API to analysis.Provider.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/lookout/internal/analysis"
)

// Limits bounds each Messages call.
type Limits struct {
	// RequestTimeout caps a single attempt. Zero sets no per-attempt timeout.
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// Client implements analysis.Provider for Claude.
type Client struct {
	client anthropic.Client
	model  string
	limits Limits
}

// New creates a Claude client for the given model. Extra options are
// applied after the limits, so tests can point it at a local server.
func New(apiKey, model string, limits Limits, opts ...option.RequestOption) *Client {
	if limits.MaxRetries < 0 {
		limits.MaxRetries = 0
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(limits.MaxRetries),
	}
	if limits.RequestTimeout > 0 {
		base = append(base, option.WithRequestTimeout(limits.RequestTimeout))
	}
	return &Client{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
		limits: limits,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Limits returns the limits the client was built with.
func (c *Client) Limits() Limits { return c.limits }

// Send performs one Messages API call.
func (c *Client) Send(ctx context.Context, req *analysis.LLMRequest) (*analysis.LLMResponse, error) {
	msg, err := c.client.Messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *analysis.LLMRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// fromSDKResponse concatenates the text blocks of msg.
func fromSDKResponse(msg *anthropic.Message) *analysis.LLMResponse {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &analysis.LLMResponse{
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: analysis.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
