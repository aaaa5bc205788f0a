package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/llm"
)

// IntentType classifies what the user wants from this turn.
type IntentType string

const (
	IntentSearchNode       IntentType = "SEARCH_NODE"
	IntentGetDocumentation IntentType = "GET_DOCUMENTATION"
	IntentFindExamples     IntentType = "FIND_EXAMPLES"
	IntentCreateFlow       IntentType = "CREATE_FLOW"
	IntentAddNode          IntentType = "ADD_NODE"
	IntentRemoveNode       IntentType = "REMOVE_NODE"
	IntentConnectNodes     IntentType = "CONNECT_NODES"
	IntentConfigureNode    IntentType = "CONFIGURE_NODE"
	IntentModifyFlow       IntentType = "MODIFY_FLOW"
	IntentOptimizeFlow     IntentType = "OPTIMIZE_FLOW"
	IntentExplain          IntentType = "EXPLAIN"
	IntentClarify          IntentType = "CLARIFY"
	IntentConfirm          IntentType = "CONFIRM"
	IntentCompound         IntentType = "COMPOUND"
	IntentChitchat         IntentType = "CHITCHAT"
	IntentUnknown          IntentType = "UNKNOWN"
)

var knownIntents = map[IntentType]bool{
	IntentSearchNode: true, IntentGetDocumentation: true, IntentFindExamples: true,
	IntentCreateFlow: true, IntentAddNode: true, IntentRemoveNode: true,
	IntentConnectNodes: true, IntentConfigureNode: true, IntentModifyFlow: true,
	IntentOptimizeFlow: true, IntentExplain: true, IntentClarify: true,
	IntentConfirm: true, IntentCompound: true, IntentChitchat: true,
	IntentUnknown: true,
}

// Intent is the analysed meaning of one utterance.
type Intent struct {
	Type          IntentType             `json:"type"`
	Confidence    float64                `json:"confidence"`
	Understanding string                 `json:"understanding,omitempty"`
	Entities      map[string]interface{} `json:"entities,omitempty"`
}

// Builder reports whether the intent mutates the flow graph and therefore
// needs a working draft.
func (i *Intent) Builder() bool {
	switch i.Type {
	case IntentCreateFlow, IntentAddNode, IntentRemoveNode, IntentConnectNodes,
		IntentConfigureNode, IntentModifyFlow, IntentOptimizeFlow:
		return true
	}
	return false
}

const intentPrompt = `You classify a user's message to a workflow builder.
Answer with a single JSON object:
{"type": "<one of SEARCH_NODE, GET_DOCUMENTATION, FIND_EXAMPLES, CREATE_FLOW, ADD_NODE, REMOVE_NODE, CONNECT_NODES, CONFIGURE_NODE, MODIFY_FLOW, OPTIMIZE_FLOW, EXPLAIN, CLARIFY, CONFIRM, COMPOUND, CHITCHAT, UNKNOWN>",
 "confidence": <0..1>, "understanding": "<one sentence>", "entities": {}}`

// IntentAnalyzer classifies utterances. The LLM is asked first; on
// unavailability or an unparseable answer the deterministic keyword rules
// take over, so intent analysis never fails a turn outright.
type IntentAnalyzer struct {
	provider llm.Provider
}

// NewIntentAnalyzer creates an analyzer. A nil provider means rules only.
func NewIntentAnalyzer(provider llm.Provider) *IntentAnalyzer {
	return &IntentAnalyzer{provider: provider}
}

// Analyze classifies the turn's utterance.
func (a *IntentAnalyzer) Analyze(ctx context.Context, actx *Context) *Intent {
	if a.provider != nil && a.provider.Available() {
		if intent, err := a.analyzeLLM(ctx, actx); err == nil {
			return intent
		} else {
			common.Logger.Warnf("intent analysis via provider failed, using rules: %v", err)
		}
	}
	return analyzeByRules(actx.Utterance)
}

func (a *IntentAnalyzer) analyzeLLM(ctx context.Context, actx *Context) (*Intent, error) {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: intentPrompt}}
	messages = append(messages, actx.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: actx.Utterance})

	resp, err := a.provider.Complete(ctx, llm.Request{
		Messages:    messages,
		JSONMode:    true,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}
	actx.TokensUsed += resp.TotalTokens()

	var intent Intent
	if err := json.Unmarshal([]byte(resp.Content), &intent); err != nil {
		return nil, common.ValidationError("unparseable intent answer: %v", err)
	}
	if !knownIntents[intent.Type] {
		return nil, common.ValidationError("unknown intent type: %s", intent.Type)
	}
	return &intent, nil
}

// intentRule maps keyword groups to an intent. Every group listed must
// match at least one keyword.
type intentRule struct {
	groups     [][]string
	intent     IntentType
	confidence float64
}

// Rules are ordered most-specific first. Keywords cover both English and
// Chinese phrasings of the same verbs.
var intentRules = []intentRule{
	{[][]string{{"建立", "創建", "创建", "新建", "做一個", "做一个", "create", "build", "make"},
		{"流程", "工作流", "flow", "workflow"}}, IntentCreateFlow, 0.85},
	{[][]string{{"加入", "新增", "添加", "add"}, {"節點", "节点", "node"}}, IntentAddNode, 0.85},
	{[][]string{{"刪除", "删除", "移除", "remove", "delete"}, {"節點", "节点", "node"}}, IntentRemoveNode, 0.85},
	{[][]string{{"連接", "连接", "串接", "connect", "link"}}, IntentConnectNodes, 0.8},
	{[][]string{{"設定", "设定", "配置", "configure", "config", "set up"}}, IntentConfigureNode, 0.75},
	{[][]string{{"優化", "优化", "optimize", "improve"}}, IntentOptimizeFlow, 0.75},
	{[][]string{{"修改", "變更", "变更", "modify", "change", "update"}, {"流程", "工作流", "flow", "workflow"}}, IntentModifyFlow, 0.8},
	{[][]string{{"搜尋", "搜索", "search", "find"}, {"節點", "节点", "node"}}, IntentSearchNode, 0.8},
	{[][]string{{"文件", "文檔", "文档", "documentation", "docs"}}, IntentGetDocumentation, 0.75},
	{[][]string{{"範例", "示例", "example"}}, IntentFindExamples, 0.75},
	{[][]string{{"解釋", "解释", "說明", "说明", "explain", "what is", "what does"}}, IntentExplain, 0.7},
	{[][]string{{"確認", "确认", "confirm", "yes", "approve"}}, IntentConfirm, 0.7},
	{[][]string{{"你好", "您好", "hello", "hi ", "hey"}}, IntentChitchat, 0.7},
}

// analyzeByRules is the deterministic fallback classifier.
func analyzeByRules(utterance string) *Intent {
	lower := strings.ToLower(utterance)
	for _, rule := range intentRules {
		matched := true
		for _, group := range rule.groups {
			groupHit := false
			for _, keyword := range group {
				if strings.Contains(lower, keyword) {
					groupHit = true
					break
				}
			}
			if !groupHit {
				matched = false
				break
			}
		}
		if matched {
			return &Intent{
				Type:          rule.intent,
				Confidence:    rule.confidence,
				Understanding: "matched keyword rules",
				Entities:      map[string]interface{}{},
			}
		}
	}
	return &Intent{Type: IntentUnknown, Confidence: 0.3, Understanding: "no rule matched"}
}
