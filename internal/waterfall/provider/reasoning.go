package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/pkg/anthropic"
)

const reasoningInstructions = `You research B2B prospects. Given the known attributes of one
prospect, infer the requested missing attributes from your knowledge. Reply with a
single JSON object mapping each attribute you can determine to an object of the form
{"value": <value>, "confidence": <0..1>}. Omit attributes you cannot determine.
Never invent contact details you are not confident about.`

// ReasoningOptions configures the reasoning-based enrichment adapter.
type ReasoningOptions struct {
	Name      string
	Model     string
	MaxTokens int64
}

// Reasoning is the expensive enrichment path: it asks a Claude model to infer
// missing attributes from the ones already known, and reports the token cost.
type Reasoning struct {
	opts   ReasoningOptions
	client anthropic.Client
	calc   *cost.Calculator
}

// NewReasoning creates a reasoning adapter.
func NewReasoning(client anthropic.Client, calc *cost.Calculator, opts ReasoningOptions) *Reasoning {
	if opts.Name == "" {
		opts.Name = "reasoning"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Reasoning{opts: opts, client: client, calc: calc}
}

// Name implements Adapter.
func (r *Reasoning) Name() string { return r.opts.Name }

type reasonedField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Enrich implements Adapter.
func (r *Reasoning) Enrich(ctx context.Context, req Request) (*Result, error) {
	if len(req.Want) == 0 {
		return nil, Fail(r.opts.Name, resilience.KindInvalidInput, eris.New("provider: nothing requested"))
	}

	resp, err := r.client.Infer(ctx, anthropic.InferRequest{
		Model:             r.opts.Model,
		MaxTokens:         r.opts.MaxTokens,
		Instructions:      reasoningInstructions,
		CacheInstructions: true,
		Prompt:            buildPrompt(req),
	})
	if err != nil {
		return nil, Fail(r.opts.Name, classify(err), err)
	}

	usage := resp.Usage
	billed, priced := r.calc.TokenCost(r.opts.Model, cost.Tokens{
		Input:      usage.InputTokens,
		Output:     usage.OutputTokens,
		CacheWrite: usage.CacheCreationInputTokens,
		CacheRead:  usage.CacheReadInputTokens,
	})
	if !priced {
		zap.L().Warn("provider: no pricing for model, reporting zero cost",
			zap.String("provider", r.opts.Name),
			zap.String("model", r.opts.Model),
		)
	}

	if resp.Truncated() {
		zap.L().Debug("provider: reasoning reply hit the token limit",
			zap.String("record_id", req.RecordID),
			zap.Int64("max_tokens", r.opts.MaxTokens),
		)
	}

	var parsed map[string]reasonedField
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &parsed); err != nil {
		zap.L().Warn("provider: failed to parse reasoning json",
			zap.String("record_id", req.RecordID),
			zap.String("provider", r.opts.Name),
			zap.Error(err),
		)
		return nil, Fail(r.opts.Name, resilience.KindTransient, eris.Wrap(err, "provider: parse reasoning json"))
	}

	wanted := make(map[string]bool, len(req.Want))
	for _, f := range req.Want {
		wanted[f] = true
	}

	out := &Result{CostUSD: billed}
	keys := make([]string, 0, len(parsed))
	for k := range parsed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f := parsed[k]
		if !wanted[k] || f.Value == nil {
			continue
		}
		out.Fields = append(out.Fields, FieldResult{Field: k, Value: f.Value, Confidence: clampConfidence(f.Confidence)})
	}
	if len(out.Fields) == 0 {
		return nil, Fail(r.opts.Name, resilience.KindNotFound, eris.New("provider: reasoning inferred no fields"))
	}
	return out, nil
}

func classify(err error) resilience.Kind {
	if code, ok := anthropic.StatusCode(err); ok {
		if kind, failed := resilience.KindFromHTTPStatus(code); failed {
			return kind
		}
	}
	return resilience.KindOf(err)
}

func buildPrompt(req Request) string {
	keys := make([]string, 0, len(req.Fields))
	for k := range req.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Known attributes:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, req.Fields[k])
	}
	b.WriteString("\nMissing attributes to determine: ")
	b.WriteString(strings.Join(req.Want, ", "))
	return b.String()
}

func clampConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 0.5
	case c > 1:
		return 1
	}
	return c
}

// cleanJSON extracts a JSON object from text that may contain markdown code
// fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
