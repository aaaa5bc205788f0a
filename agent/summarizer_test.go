package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3n-io/n3n/config"
	"github.com/n3n-io/n3n/llm"
)

func conversationWith(n int) *Conversation {
	conv := &Conversation{ID: "c1", UserID: "u1"}
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		conv.Messages = append(conv.Messages, llm.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return conv
}

func TestCompressBelowThresholdIsNoop(t *testing.T) {
	summarizer := NewSummarizer(llm.NewMock(), config.ConversationConfig{})
	conv := conversationWith(20)

	changed, err := summarizer.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, conv.Messages, 20)
	assert.Empty(t, conv.Summary)
}

func TestCompressKeepsRecentMessages(t *testing.T) {
	provider := llm.NewMock("user asked for a daily report flow; schedule and email nodes were drafted")
	summarizer := NewSummarizer(provider, config.ConversationConfig{})
	conv := conversationWith(25)

	changed, err := summarizer.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, conv.Messages, 10)
	assert.Equal(t, "message 15", conv.Messages[0].Content)
	assert.Equal(t, "message 24", conv.Messages[9].Content)
	assert.Equal(t, "user asked for a daily report flow; schedule and email nodes were drafted", conv.Summary)

	// The dropped half is in the provider transcript.
	requests := provider.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Messages[1].Content, "message 0")
	assert.Contains(t, requests[0].Messages[1].Content, "message 14")
}

func TestCompressTruncatesSummary(t *testing.T) {
	long := make([]rune, 500)
	for i := range long {
		long[i] = '字'
	}
	summarizer := NewSummarizer(llm.NewMock(string(long)), config.ConversationConfig{})
	conv := conversationWith(25)

	changed, err := summarizer.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, []rune(conv.Summary), 200)
}

func TestCompressFallsBackWithoutProvider(t *testing.T) {
	provider := llm.NewMock()
	provider.SetUnavailable(true)
	summarizer := NewSummarizer(provider, config.ConversationConfig{})
	conv := conversationWith(25)

	changed, err := summarizer.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEmpty(t, conv.Summary)
	assert.LessOrEqual(t, len([]rune(conv.Summary)), 200)
}

func TestCompressRespectsConfiguredLimits(t *testing.T) {
	summarizer := NewSummarizer(llm.NewMock("short summary"),
		config.ConversationConfig{MaxContextMessages: 4, RecentToKeep: 2})
	conv := conversationWith(6)

	changed, err := summarizer.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, conv.Messages, 2)
}

func TestContextMessagesPrependSummary(t *testing.T) {
	conv := conversationWith(3)

	t.Run("no summary", func(t *testing.T) {
		assert.Len(t, conv.ContextMessages(), 3)
	})

	t.Run("summary becomes a system message", func(t *testing.T) {
		conv.Summary = "earlier discussion about report flows"
		messages := conv.ContextMessages()
		require.Len(t, messages, 4)
		assert.Equal(t, llm.RoleSystem, messages[0].Role)
		assert.Contains(t, messages[0].Content, conv.Summary)
	})
}
