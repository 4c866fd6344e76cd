package provider

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Infer(ctx context.Context, req anthropic.InferRequest) (*anthropic.Inference, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*anthropic.Inference), args.Error(1)
	}
	return nil, args.Error(1)
}

const testModel = "claude-haiku-4-5-20251001"

func textResponse(text string) *anthropic.Inference {
	return &anthropic.Inference{
		Text:  text,
		Usage: anthropic.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000},
	}
}

func newReasoning(c anthropic.Client) *Reasoning {
	return NewReasoning(c, cost.NewCalculator(cost.DefaultRates()), ReasoningOptions{Model: testModel})
}

func TestReasoning_Success(t *testing.T) {
	c := &mockClient{}
	c.On("Infer", mock.Anything, mock.MatchedBy(func(req anthropic.InferRequest) bool {
		return req.Model == testModel &&
			req.CacheInstructions && req.Instructions != "" &&
			assert.Contains(t, req.Prompt, "- company: Acme") &&
			assert.Contains(t, req.Prompt, "title, industry")
	})).Return(textResponse("```json\n{\"title\":{\"value\":\"CFO\",\"confidence\":0.7},\"industry\":{\"value\":\"Retail\"},\"unasked\":{\"value\":\"x\"}}\n```"), nil)

	r := newReasoning(c)
	assert.Equal(t, "reasoning", r.Name())

	res, err := r.Enrich(context.Background(), Request{
		RecordID: "r1",
		Fields:   map[string]any{"company": "Acme"},
		Want:     []string{"title", "industry"},
	})
	require.NoError(t, err)
	require.Len(t, res.Fields, 2)
	assert.Equal(t, "industry", res.Fields[0].Field)
	assert.InDelta(t, 0.5, res.Fields[0].Confidence, 1e-9)
	assert.Equal(t, "CFO", res.Fields[1].Value)
	assert.InDelta(t, 0.7, res.Fields[1].Confidence, 1e-9)
	// 1M input at $0.80 plus 100k output at $4.00.
	assert.InDelta(t, 1.5, res.CostUSD, 1e-9)
	c.AssertExpectations(t)
}

func TestReasoning_NothingWanted(t *testing.T) {
	r := newReasoning(&mockClient{})
	_, err := r.Enrich(context.Background(), Request{RecordID: "r1"})
	assert.Equal(t, resilience.KindInvalidInput, resilience.KindOf(err))
}

func TestReasoning_NoFieldsIsNotFound(t *testing.T) {
	c := &mockClient{}
	c.On("Infer", mock.Anything, mock.Anything).Return(textResponse("{}"), nil)

	_, err := newReasoning(c).Enrich(context.Background(), Request{RecordID: "r1", Want: []string{"title"}})
	assert.Equal(t, resilience.KindNotFound, resilience.KindOf(err))
}

func TestReasoning_UnparseableIsTransient(t *testing.T) {
	c := &mockClient{}
	c.On("Infer", mock.Anything, mock.Anything).Return(textResponse("I am not sure."), nil)

	_, err := newReasoning(c).Enrich(context.Background(), Request{RecordID: "r1", Want: []string{"title"}})
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}

func TestReasoning_APIStatusMapsToKind(t *testing.T) {
	c := &mockClient{}
	c.On("Infer", mock.Anything, mock.Anything).Return(nil, &sdk.Error{StatusCode: 429})

	_, err := newReasoning(c).Enrich(context.Background(), Request{RecordID: "r1", Want: []string{"title"}})
	assert.Equal(t, resilience.KindRateLimited, resilience.KindOf(err))
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go: {\"a\":1} hope it helps", `{"a":1}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}
