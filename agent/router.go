package agent

// routeTable maps each intent to the agent that handles it. Intents with
// no entry are answered by the supervisor directly.
var routeTable = map[IntentType]string{
	IntentSearchNode:       "discovery",
	IntentGetDocumentation: "discovery",
	IntentFindExamples:     "discovery",
	IntentExplain:          "discovery",
	IntentCompound:         "discovery",
	IntentCreateFlow:       "discovery",
	IntentAddNode:          "builder",
	IntentRemoveNode:       "builder",
	IntentConnectNodes:     "builder",
	IntentConfigureNode:    "builder",
	IntentModifyFlow:       "builder",
	IntentOptimizeFlow:     "builder",
	IntentConfirm:          "builder",
}

// Router decides which agent handles an intent and whether a sub-agent's
// follow-up request should be honoured. Already-visited agents are never
// re-entered, and the iteration cap is the hard stop.
type Router struct{}

// NewRouter creates the table-driven router.
func NewRouter() *Router { return &Router{} }

// Route picks the first agent for an analysed intent. An empty result
// means the supervisor answers the turn itself.
func (r *Router) Route(intent *Intent, actx *Context) string {
	target := routeTable[intent.Type]
	if target == "" || actx.Visited[target] {
		return ""
	}
	if actx.MaxIterations > 0 && actx.Iteration >= actx.MaxIterations {
		return ""
	}
	return target
}

// ShouldContinue honours a sub-agent's follow-up request unless the next
// agent was already visited or the iteration cap is reached.
func (r *Router) ShouldContinue(result *Result, actx *Context) bool {
	if result == nil || result.NextAction == "" {
		return false
	}
	if actx.Visited[result.NextAction] {
		return false
	}
	return actx.Iteration < actx.MaxIterations
}
