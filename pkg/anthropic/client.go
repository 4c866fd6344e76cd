// Package anthropic is a thin wrapper over the Anthropic SDK used by the
// reasoning-based enrichment tier.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client runs single-turn inferences.
type Client interface {
	Infer(ctx context.Context, req InferRequest) (*Inference, error)
}

// InferRequest is one instruction prompt plus one user prompt.
type InferRequest struct {
	Model     string
	MaxTokens int64
	// Instructions are sent as the system prompt. With CacheInstructions set
	// they carry a 1h cache breakpoint, so a prompt shared by many records is
	// billed at the cache-read rate after the first call.
	Instructions      string
	CacheInstructions bool
	Prompt            string
	Temperature       *float64
}

// Inference is the model's reply and what it consumed.
type Inference struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      TokenUsage
}

// Truncated reports whether the reply stopped at the token limit.
func (i *Inference) Truncated() bool {
	return i.StopReason == string(sdk.StopReasonMaxTokens)
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// StatusCode extracts the HTTP status of a failed API call.
func StatusCode(err error) (int, bool) {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. SDK-level retries are
// disabled; the scheduler applies its own retry policy and rate limits.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &sdkClient{client: sdk.NewClient(append(base, opts...)...)}
}

func (c *sdkClient) Infer(ctx context.Context, req InferRequest) (*Inference, error) {
	msg, err := c.client.Messages.New(ctx, toParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: infer")
	}
	return fromMessage(msg), nil
}

func toParams(req InferRequest) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.Instructions != "" {
		block := sdk.TextBlockParam{Text: req.Instructions}
		if req.CacheInstructions {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL("1h")
			block.CacheControl = cc
		}
		params.System = []sdk.TextBlockParam{block}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func fromMessage(msg *sdk.Message) *Inference {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Inference{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
}
