package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
	"github.com/n3n-io/n3n/llm"
)

const (
	// DefaultSummarizeThreshold is the message count that triggers
	// compression.
	DefaultSummarizeThreshold = 20

	// DefaultRecentToKeep is how many trailing messages survive
	// compression verbatim.
	DefaultRecentToKeep = 10

	// summaryMaxChars caps the stored summary length.
	summaryMaxChars = 200
)

// Conversation is one AI chat thread. Summary compresses everything that
// was dropped from Messages.
type Conversation struct {
	ID      string
	UserID  string
	FlowID  string
	Summary string

	Messages []llm.Message
}

// ContextMessages returns the messages to send to the provider, with the
// summary prepended as a system message when present.
func (c *Conversation) ContextMessages() []llm.Message {
	if c.Summary == "" {
		return c.Messages
	}
	out := make([]llm.Message, 0, len(c.Messages)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Conversation so far: " + c.Summary})
	return append(out, c.Messages...)
}

const summaryPrompt = `Summarise the earlier part of this conversation.
Keep the topics, decisions, action items, and key technical details.
Answer with the summary only, at most 200 characters.`

// Summarizer compresses long conversations so the provider context stays
// bounded. All but the most recent messages are folded into a short
// summary.
type Summarizer struct {
	provider  llm.Provider
	threshold int
	keep      int
}

// NewSummarizer creates a summarizer from the conversation config section.
// Zero config values select the defaults.
func NewSummarizer(provider llm.Provider, cfg config.ConversationConfig) *Summarizer {
	threshold := cfg.MaxContextMessages
	if threshold <= 0 {
		threshold = DefaultSummarizeThreshold
	}
	keep := cfg.RecentToKeep
	if keep <= 0 {
		keep = DefaultRecentToKeep
	}
	return &Summarizer{provider: provider, threshold: threshold, keep: keep}
}

// Compress folds the conversation's older messages into the summary when
// the thread exceeds the threshold. Returns whether anything changed.
func (s *Summarizer) Compress(ctx context.Context, conv *Conversation) (bool, error) {
	if len(conv.Messages) <= s.threshold {
		return false, nil
	}

	cut := len(conv.Messages) - s.keep
	older := conv.Messages[:cut]

	summary, err := s.summarize(ctx, conv.Summary, older)
	if err != nil {
		return false, err
	}

	conv.Summary = summary
	conv.Messages = append([]llm.Message(nil), conv.Messages[cut:]...)
	return true, nil
}

func (s *Summarizer) summarize(ctx context.Context, previous string, older []llm.Message) (string, error) {
	if s.provider == nil || !s.provider.Available() {
		return truncate(fallbackSummary(previous, older), summaryMaxChars), nil
	}

	var transcript strings.Builder
	if previous != "" {
		transcript.WriteString("Earlier summary: " + previous + "\n")
	}
	for _, m := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: transcript.String()},
		},
		Temperature: 0,
	})
	if err != nil {
		common.Logger.Warnf("conversation summary via provider failed, using fallback: %v", err)
		return truncate(fallbackSummary(previous, older), summaryMaxChars), nil
	}
	return truncate(strings.TrimSpace(resp.Content), summaryMaxChars), nil
}

// fallbackSummary is the deterministic stand-in when no provider is
// available: the first user message plus a message count.
func fallbackSummary(previous string, older []llm.Message) string {
	topic := previous
	if topic == "" {
		for _, m := range older {
			if m.Role == llm.RoleUser {
				topic = m.Content
				break
			}
		}
	}
	return fmt.Sprintf("%d earlier messages about: %s", len(older), topic)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
