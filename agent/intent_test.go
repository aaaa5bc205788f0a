package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3n-io/n3n/llm"
)

func TestAnalyzeUsesProviderAnswer(t *testing.T) {
	provider := llm.NewMock(`{"type":"ADD_NODE","confidence":0.92,"understanding":"add an http node","entities":{"nodeType":"httpRequest"}}`)
	analyzer := NewIntentAnalyzer(provider)

	intent := analyzer.Analyze(context.Background(), NewContext("c1", "u1", "f1", "add an http node"))
	require.Equal(t, IntentAddNode, intent.Type)
	assert.InDelta(t, 0.92, intent.Confidence, 0.001)
	assert.Equal(t, "httpRequest", intent.Entities["nodeType"])
}

func TestAnalyzeFallsBackOnBadProviderAnswer(t *testing.T) {
	tests := []struct {
		name   string
		answer string
	}{
		{"not json", "sure, I will add the node"},
		{"unknown type", `{"type":"LAUNCH_ROCKET","confidence":0.9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analyzer := NewIntentAnalyzer(llm.NewMock(tt.answer))
			intent := analyzer.Analyze(context.Background(), NewContext("c1", "u1", "f1", "create a workflow for me"))
			assert.Equal(t, IntentCreateFlow, intent.Type)
		})
	}
}

func TestAnalyzeFallsBackWhenProviderUnavailable(t *testing.T) {
	provider := llm.NewMock()
	provider.SetUnavailable(true)
	analyzer := NewIntentAnalyzer(provider)

	intent := analyzer.Analyze(context.Background(), NewContext("c1", "u1", "f1", "幫我建立一個每天發送報表的流程"))
	require.Equal(t, IntentCreateFlow, intent.Type)
	assert.GreaterOrEqual(t, intent.Confidence, 0.8)
}

func TestRuleClassification(t *testing.T) {
	tests := []struct {
		utterance string
		want      IntentType
	}{
		{"create a workflow that posts to slack", IntentCreateFlow},
		{"幫我建立一個每天發送報表的流程", IntentCreateFlow},
		{"add a node for sending email", IntentAddNode},
		{"新增一個節點", IntentAddNode},
		{"remove the email node", IntentRemoveNode},
		{"刪除這個節點", IntentRemoveNode},
		{"connect the trigger to the http step", IntentConnectNodes},
		{"optimize my flow", IntentOptimizeFlow},
		{"explain what this does", IntentExplain},
		{"hello there", IntentChitchat},
		{"the weather is nice", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			intent := analyzeByRules(tt.utterance)
			assert.Equal(t, tt.want, intent.Type)
		})
	}
}

func TestBuilderIntents(t *testing.T) {
	builders := []IntentType{
		IntentCreateFlow, IntentAddNode, IntentRemoveNode, IntentConnectNodes,
		IntentConfigureNode, IntentModifyFlow, IntentOptimizeFlow,
	}
	for _, it := range builders {
		assert.True(t, (&Intent{Type: it}).Builder(), "%s should be a builder intent", it)
	}
	assert.False(t, (&Intent{Type: IntentChitchat}).Builder())
	assert.False(t, (&Intent{Type: IntentExplain}).Builder())
}
