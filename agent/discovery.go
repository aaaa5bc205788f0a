package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/llm"
	"github.com/n3n-io/n3n/node"
)

// DiscoveryAgent finds node types: it answers searches against the handler
// registry and, on a flow-creation intent, nominates the node types the
// described outcome needs. Nominations go through the LLM when available
// and fall back to keyword rules otherwise, so discovery always produces
// something for the builder to work with.
type DiscoveryAgent struct {
	provider llm.Provider
	registry *node.Registry
}

// NewDiscoveryAgent creates the discovery specialist.
func NewDiscoveryAgent(provider llm.Provider, registry *node.Registry) *DiscoveryAgent {
	return &DiscoveryAgent{provider: provider, registry: registry}
}

func (a *DiscoveryAgent) ID() string   { return "discovery" }
func (a *DiscoveryAgent) Name() string { return "Discovery Agent" }
func (a *DiscoveryAgent) Description() string {
	return "Searches node types, fetches documentation, and recommends nodes for a described outcome"
}
func (a *DiscoveryAgent) Capabilities() []string {
	return []string{"search", "documentation", "recommendation"}
}
func (a *DiscoveryAgent) Tools() []Tool { return nil }

func (a *DiscoveryAgent) Execute(ctx context.Context, actx *Context) (*Result, error) {
	return a.ExecuteStream(ctx, actx, NewStream())
}

func (a *DiscoveryAgent) ExecuteStream(ctx context.Context, actx *Context, stream *Stream) (*Result, error) {
	intent := actx.Intent
	if intent == nil {
		return nil, common.InvalidStateError("discovery invoked without an analysed intent")
	}

	switch intent.Type {
	case IntentSearchNode, IntentGetDocumentation, IntentFindExamples, IntentExplain:
		return a.search(actx, stream), nil
	default:
		return a.recommend(ctx, actx, stream), nil
	}
}

// search answers catalogue questions from the handler registry.
func (a *DiscoveryAgent) search(actx *Context, stream *Stream) *Result {
	query := strings.ToLower(actx.Utterance)
	if q, ok := actx.Intent.Entities["query"].(string); ok && q != "" {
		query = strings.ToLower(q)
	}

	var matches []node.HandlerInfo
	if a.registry != nil {
		for _, info := range a.registry.ListHandlerInfo() {
			haystack := strings.ToLower(info.Type + " " + info.DisplayName + " " + info.Description)
			for _, word := range strings.Fields(query) {
				if len(word) >= 3 && strings.Contains(haystack, word) {
					matches = append(matches, info)
					break
				}
			}
		}
	}

	message := fmt.Sprintf("found %d matching node types", len(matches))
	stream.Text(message)
	return &Result{
		Success: true,
		Message: message,
		Data:    map[string]interface{}{"matches": matches},
	}
}

const recommendPrompt = `You pick workflow node types for a described outcome.
Answer with a single JSON object: {"nodes": ["nodeType", ...]}.
Prefer one trigger node first (manualTrigger, scheduleTrigger, webhookTrigger),
then action nodes such as httpRequest, sendEmail, postgres, slack, telegram, setData.`

// recommend nominates node types for the utterance and hands off to the
// builder through working memory.
func (a *DiscoveryAgent) recommend(ctx context.Context, actx *Context, stream *Stream) *Result {
	stream.Thinking("selecting node types for the described flow")

	var nodes []string
	if a.provider != nil && a.provider.Available() {
		var err error
		nodes, err = a.recommendLLM(ctx, actx)
		if err != nil {
			common.Logger.Warnf("node nomination via provider failed, using rules: %v", err)
			nodes = nil
		}
	}
	if len(nodes) == 0 {
		nodes = recommendByRules(actx.Utterance)
	}

	actx.Memory["discoveryResults"] = nodes
	message := "recommended nodes: " + strings.Join(nodes, ", ")
	stream.Text(message)

	return &Result{
		Success:    true,
		Message:    message,
		NextAction: "builder",
		Data:       map[string]interface{}{"nodes": nodes},
	}
}

func (a *DiscoveryAgent) recommendLLM(ctx context.Context, actx *Context) ([]string, error) {
	resp, err := a.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: recommendPrompt},
			{Role: llm.RoleUser, Content: actx.Utterance},
		},
		JSONMode:    true,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	actx.TokensUsed += resp.TotalTokens()

	var parsed struct {
		Nodes []string `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, common.ValidationError("unparseable node nomination: %v", err)
	}
	return parsed.Nodes, nil
}

// recommendationRule maps utterance keywords to a node type.
type recommendationRule struct {
	keywords []string
	nodeType string
}

var recommendationRules = []recommendationRule{
	{[]string{"每天", "每日", "定時", "定时", "排程", "schedule", "daily", "cron"}, "scheduleTrigger"},
	{[]string{"webhook", "回調", "回调"}, "webhookTrigger"},
	{[]string{"email", "郵件", "邮件", "寄信", "信件", "報表", "报表", "report", "mail"}, "sendEmail"},
	{[]string{"database", "資料庫", "数据库", "sql", "postgres", "query"}, "postgres"},
	{[]string{"slack"}, "slack"},
	{[]string{"telegram"}, "telegram"},
	{[]string{"http", "api", "request", "請求", "请求"}, "httpRequest"},
}

// recommendByRules is the deterministic nomination fallback. Flows always
// get a trigger; manualTrigger fills in when no rule nominated one.
func recommendByRules(utterance string) []string {
	lower := strings.ToLower(utterance)

	var nodes []string
	seen := map[string]bool{}
	for _, rule := range recommendationRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) && !seen[rule.nodeType] {
				seen[rule.nodeType] = true
				nodes = append(nodes, rule.nodeType)
				break
			}
		}
	}

	hasTrigger := false
	for _, n := range nodes {
		if strings.Contains(n, "Trigger") {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		nodes = append([]string{"manualTrigger"}, nodes...)
	}
	return nodes
}
