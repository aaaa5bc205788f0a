package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/db"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/llm"
	"github.com/n3n-io/n3n/orchestrator"
	"github.com/n3n-io/n3n/ratelimit"
	"github.com/n3n-io/n3n/session"
	"github.com/n3n-io/n3n/version"
)

const tokenLifetime = 24 * time.Hour

// Handlers carries the wired services behind the HTTP routes.
type Handlers struct {
	Engine     *engine.Engine
	Flows      db.FlowRepository
	Executions db.ExecutionRepository
	Supervisor *agent.Supervisor
	Limiter    *ratelimit.Limiter
	Sessions   *session.Isolator
	Installer  *orchestrator.Installer

	// Conversations and Summarizer persist AI chat threads across turns;
	// both optional, chat works statelessly without them.
	Conversations db.ConversationRepository
	Summarizer    *agent.Summarizer

	// PendingChanges stores builder proposals awaiting user confirmation.
	PendingChanges db.PendingChangeRepository

	JWT    *JWTService
	Secret string
}

// SetupRoutes registers the public and JWT-protected routes.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.Version()})
	})
	e.POST("/auth/token", h.GenerateToken)

	protected := e.Group("/api")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(h.Secret),
		TokenLookup: "header:Authorization:Bearer ",
		ErrorHandler: func(c echo.Context, err error) error {
			// Missing and malformed tokens answer alike.
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		},
	}))

	protected.GET("/flows", h.ListFlows)
	protected.POST("/flows", h.CreateFlow)
	protected.GET("/flows/:id", h.GetFlow)
	protected.POST("/flows/:id/versions/:versionId/publish", h.PublishVersion)
	protected.POST("/flows/:id/trigger", h.TriggerFlow)
	protected.GET("/executions/:id", h.GetExecution)
	protected.POST("/executions/:id/resume", h.ResumeExecution)
	protected.POST("/executions/:id/cancel", h.CancelExecution)
	protected.GET("/executions/:id/events", h.StreamExecutionEvents)
	protected.POST("/ai/chat", h.Chat)
	protected.GET("/ai/conversations/:id/changes", h.ListPendingChanges)

	if h.Installer != nil {
		protected.POST("/plugins/install", h.InstallPlugin)
		protected.GET("/plugins/tasks", h.ListInstallTasks)
		protected.GET("/plugins/tasks/:id", h.GetInstallTask)
		protected.DELETE("/plugins/containers/:id", h.UninstallPlugin)
	}
}

// TokenRequest asks for an API token.
type TokenRequest struct {
	UserID string `json:"userId"`
}

// TokenResponse carries the signed token.
type TokenResponse struct {
	Token string `json:"token"`
}

func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}
	if req.UserID == "" {
		return httpError(common.ValidationError("userId is required"))
	}

	token, err := h.JWT.GenerateToken(req.UserID, tokenLifetime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (h *Handlers) ListFlows(c echo.Context) error {
	flows, err := h.Flows.ListFlows(c.Request().Context(), CurrentUserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

// CreateFlowRequest names a new flow.
type CreateFlowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *Handlers) CreateFlow(c echo.Context) error {
	var req CreateFlowRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}
	if req.Name == "" {
		return httpError(common.ValidationError("name is required"))
	}

	f := &flow.Flow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     CurrentUserID(c),
		Visibility:  flow.VisibilityPrivate,
	}
	if err := h.Flows.CreateFlow(c.Request().Context(), f); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handlers) GetFlow(c echo.Context) error {
	f, err := h.Flows.GetFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handlers) PublishVersion(c echo.Context) error {
	err := h.Flows.PublishVersion(c.Request().Context(), c.Param("id"), c.Param("versionId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "published"})
}

// TriggerRequest starts an execution of a flow.
type TriggerRequest struct {
	// Version selects a flow version; empty means the published one.
	Version string                 `json:"version,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (h *Handlers) TriggerFlow(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}

	executionID, err := h.Engine.Execute(c.Request().Context(), engine.ExecuteRequest{
		FlowID:  c.Param("id"),
		Version: req.Version,
		Payload: req.Payload,
		UserID:  CurrentUserID(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"executionId": executionID})
}

func (h *Handlers) GetExecution(c echo.Context) error {
	execution, err := h.Executions.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if execution.UserID != "" && execution.UserID != CurrentUserID(c) {
		return httpError(common.PermissionDeniedError("execution belongs to another user"))
	}
	return c.JSON(http.StatusOK, execution)
}

// ResumeRequest approves or rejects a waiting execution.
type ResumeRequest struct {
	ResumeToken string                 `json:"resumeToken"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

func (h *Handlers) ResumeExecution(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}

	err := h.Engine.Resume(c.Request().Context(), c.Param("id"), req.ResumeToken, req.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handlers) CancelExecution(c echo.Context) error {
	if err := h.Engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// StreamExecutionEvents follows one execution over SSE until it reaches a
// terminal state or the client disconnects.
func (h *Handlers) StreamExecutionEvents(c echo.Context) error {
	executionID := c.Param("id")

	events, cancel := h.Engine.Bus().Subscribe(executionID)
	defer cancel()

	execution, err := h.Executions.GetExecution(c.Request().Context(), executionID)
	if err != nil {
		return httpError(err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	// Snapshot first so late subscribers see the current state.
	writeSSE(resp, "snapshot", execution)

	if execution.Status.Terminal() {
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			writeSSE(resp, string(event.Type), event)
			if terminalEvent(event.Type) {
				return nil
			}
		}
	}
}

func terminalEvent(t engine.EventType) bool {
	switch t {
	case engine.EventExecutionCompleted, engine.EventExecutionFailed, engine.EventExecutionCancelled:
		return true
	}
	return false
}

func writeSSE(resp *echo.Response, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	resp.Flush()
}

// InstallPluginRequest names the plugin container to deploy.
type InstallPluginRequest struct {
	NodeType string `json:"nodeType"`
	Image    string `json:"image"`
	Port     int    `json:"port,omitempty"`
}

// InstallPlugin deploys a plugin container and registers its node types.
// The call blocks until the install completes or fails; progress can be
// polled concurrently through the task endpoints.
func (h *Handlers) InstallPlugin(c echo.Context) error {
	var req InstallPluginRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}
	if req.NodeType == "" || req.Image == "" {
		return httpError(common.ValidationError("nodeType and image are required"))
	}

	task, err := h.Installer.Install(c.Request().Context(), orchestrator.PluginSpec{
		NodeType: req.NodeType,
		Image:    req.Image,
		Port:     req.Port,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handlers) ListInstallTasks(c echo.Context) error {
	tasks := h.Installer.Tasks()
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (h *Handlers) GetInstallTask(c echo.Context) error {
	task := h.Installer.Task(c.Param("id"))
	if task == nil {
		return httpError(common.NotFoundError("install task %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handlers) UninstallPlugin(c echo.Context) error {
	if err := h.Installer.Uninstall(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "removed"})
}

// ChatRequest is one AI builder turn.
type ChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	FlowID         string `json:"flowId,omitempty"`
	Message        string `json:"message"`

	// Nodes and Edges seed the working draft from the editor state.
	Nodes []flow.Node `json:"nodes,omitempty"`
	Edges []flow.Edge `json:"edges,omitempty"`
}

// Chat runs one supervisor turn and streams its events over SSE.
func (h *Handlers) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return httpError(common.ValidationError("invalid request body"))
	}
	if req.Message == "" {
		return httpError(common.ValidationError("message is required"))
	}

	ctx := c.Request().Context()
	userID := CurrentUserID(c)

	if h.Sessions != nil && req.SessionID != "" {
		if _, err := h.Sessions.Validate(ctx, req.SessionID, userID); err != nil {
			return httpError(err)
		}
	}

	if h.Limiter != nil {
		decision, err := h.Limiter.AllowRequest(ctx, userID)
		if err != nil && !decision.Allowed {
			return httpError(err)
		}
		if !decision.Allowed {
			return httpError(ratelimit.RateLimitedError(decision))
		}
	}

	conv := h.loadConversation(ctx, req.ConversationID, userID, req.FlowID)

	// Token spend is pre-charged on an estimate and reconciled with the
	// provider's reported usage after the turn.
	var reserved int
	if h.Limiter != nil {
		reserved = estimateTokens(req.Message, conv.ContextMessages())
		decision, err := h.Limiter.ReserveTokens(ctx, userID, reserved)
		if err != nil && !decision.Allowed {
			return httpError(err)
		}
		if !decision.Allowed {
			return httpError(ratelimit.RateLimitedError(decision))
		}
	}

	actx := agent.NewContext(conv.ID, userID, req.FlowID, req.Message)
	actx.History = conv.ContextMessages()
	actx.CurrentNodes = req.Nodes
	actx.CurrentEdges = req.Edges

	stream := agent.NewStream()
	results := make(chan *agent.Result, 1)
	go func() {
		result, err := h.Supervisor.Execute(ctx, actx, stream)
		if err != nil {
			common.Logger.Warnf("ai chat turn failed: %v", err)
		}
		results <- result
	}()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	for event := range stream.Events() {
		writeSSE(resp, string(event.Kind), event)
	}

	h.saveConversation(ctx, conv, req.Message, <-results)

	if h.Limiter != nil {
		if err := h.Limiter.AdjustTokens(ctx, userID, reserved, actx.TokensUsed); err != nil {
			common.Logger.Warnf("token reconciliation for %s failed: %v", userID, err)
		}
	}

	if h.PendingChanges != nil && len(actx.PendingChanges) > 0 {
		if err := h.PendingChanges.SavePendingChanges(ctx, conv.ID, actx.PendingChanges); err != nil {
			common.Logger.Warnf("conversation %s pending changes save failed: %v", conv.ID, err)
		}
	}
	return nil
}

// estimateTokens approximates the prompt cost of a turn at four characters
// per token, plus headroom for completions across the agent chain.
func estimateTokens(message string, history []llm.Message) int {
	chars := len(message)
	for _, m := range history {
		chars += len(m.Content)
	}
	return chars/4 + 500
}

// ListPendingChanges returns the builder proposals stored for one of the
// caller's own conversations.
func (h *Handlers) ListPendingChanges(c echo.Context) error {
	if h.PendingChanges == nil || h.Conversations == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"changes": []interface{}{}})
	}

	ctx := c.Request().Context()
	conv, err := h.Conversations.GetConversation(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if conv.UserID != CurrentUserID(c) {
		return httpError(common.PermissionDeniedError("conversation belongs to another user"))
	}

	changes, err := h.PendingChanges.ListPendingChanges(ctx, conv.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changes": changes, "count": len(changes)})
}

// loadConversation resumes the thread or starts a fresh one. Threads
// belong to their creator; a foreign id starts a new thread under a new
// id, so another user's record can be neither read nor overwritten.
func (h *Handlers) loadConversation(ctx context.Context, conversationID, userID, flowID string) *agent.Conversation {
	if h.Conversations != nil && conversationID != "" {
		conv, err := h.Conversations.GetConversation(ctx, conversationID)
		switch {
		case err == nil && conv.UserID == userID:
			return conv
		case err == nil || !common.IsNotFound(err):
			// Existing foreign thread, or the store is unreadable and
			// ownership cannot be checked. Drop the supplied id.
			conversationID = ""
		}
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return &agent.Conversation{ID: conversationID, UserID: userID, FlowID: flowID}
}

func (h *Handlers) saveConversation(ctx context.Context, conv *agent.Conversation, utterance string, result *agent.Result) {
	if h.Conversations == nil {
		return
	}

	conv.Messages = append(conv.Messages, llm.Message{Role: llm.RoleUser, Content: utterance})
	if result != nil && result.Message != "" {
		conv.Messages = append(conv.Messages, llm.Message{Role: llm.RoleAssistant, Content: result.Message})
	}

	if h.Summarizer != nil {
		if _, err := h.Summarizer.Compress(ctx, conv); err != nil {
			common.Logger.Warnf("conversation %s compression failed: %v", conv.ID, err)
		}
	}

	if err := h.Conversations.SaveConversation(ctx, conv); err != nil {
		common.Logger.Warnf("conversation %s save failed: %v", conv.ID, err)
	}
}
