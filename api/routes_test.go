package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/config"
	"github.com/n3n-io/n3n/db"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/llm"
	"github.com/n3n-io/n3n/node"
	"github.com/n3n-io/n3n/node/builtin"
	"github.com/n3n-io/n3n/orchestrator"
	"github.com/n3n-io/n3n/ratelimit"
)

const testSecret = "routes-test-secret"

type testServer struct {
	echo          *echo.Echo
	handlers      *Handlers
	flows         *db.MemoryFlowRepository
	conversations *db.MemoryConversationRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	registry := node.NewRegistry()
	builtin.RegisterAll(registry)

	flows := db.NewMemoryFlowRepository()
	executions := db.NewMemoryExecutionRepository()

	eng := engine.New(engine.Config{
		Registry: registry,
		Versions: flows,
		Store:    executions,
	})

	provider := llm.NewMock()
	provider.SetUnavailable(true)

	// Docker backend with an empty trust list, so install attempts are
	// rejected before touching the daemon.
	docker := orchestrator.NewDocker(orchestrator.NewMockDockerClient(), config.PluginConfig{
		CPULimit:    0.5,
		MemoryLimit: 256 * 1024 * 1024,
	}, config.DockerConfig{})

	conversations := db.NewMemoryConversationRepository()

	h := &Handlers{
		Engine:         eng,
		Flows:          flows,
		Executions:     executions,
		Supervisor:     agent.NewDefaultSupervisor(provider, registry, 5),
		Installer:      orchestrator.NewInstaller(docker, registry),
		Conversations:  conversations,
		Summarizer:     agent.NewSummarizer(provider, config.ConversationConfig{}),
		PendingChanges: db.NewMemoryPendingChangeRepository(),
		JWT:            NewJWTService(testSecret),
		Secret:         testSecret,
	}

	e := echo.New()
	SetupRoutes(e, h)
	return &testServer{echo: e, handlers: h, flows: flows, conversations: conversations}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.handlers.JWT.GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// seedPublishedFlow stores a trivial trigger -> setData flow and publishes
// it.
func (s *testServer) seedPublishedFlow(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.flows.CreateFlow(ctx, &flow.Flow{ID: "f1", Name: "Report flow", OwnerID: "u1"}))
	require.NoError(t, s.flows.SaveVersion(ctx, &flow.Version{
		ID:      "v1",
		FlowID:  "f1",
		Version: "1",
		Status:  flow.VersionDraft,
		Definition: &flow.Definition{
			Nodes: []flow.Node{
				{ID: "trigger", Type: "manualTrigger"},
				{ID: "set", Type: "setData", Data: flow.NodeData{Config: map[string]interface{}{
					"values": map[string]interface{}{"report": "daily"},
				}}},
			},
			Edges: []flow.Edge{{ID: "e1", Source: "trigger", Target: "set"}},
		},
	}))
	require.NoError(t, s.flows.PublishVersion(ctx, "f1", "v1"))
	return "f1"
}

func TestGenerateToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodPost, "/auth/token", "", map[string]string{"userId": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	t.Run("missing user id", func(t *testing.T) {
		rec := s.request(t, http.MethodPost, "/auth/token", "", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodGet, "/api/flows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/flows", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndListFlows(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/flows", token, CreateFlowRequest{Name: "My flow"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created flow.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "u1", created.OwnerID)

	t.Run("duplicate name rejected", func(t *testing.T) {
		rec := s.request(t, http.MethodPost, "/api/flows", token, CreateFlowRequest{Name: "My flow"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("owner sees the flow", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/flows", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "My flow")
	})
}

func TestTriggerFlowAndFetchExecution(t *testing.T) {
	s := newTestServer(t)
	flowID := s.seedPublishedFlow(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/flows/"+flowID+"/trigger", token, TriggerRequest{
		Payload: map[string]interface{}{"source": "test"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var trigger map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trigger))
	executionID := trigger["executionId"]
	require.NotEmpty(t, executionID)

	require.NoError(t, s.handlers.Engine.Wait(context.Background(), executionID))

	rec = s.request(t, http.MethodGet, "/api/executions/"+executionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var execution engine.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execution))
	assert.Equal(t, engine.StatusCompleted, execution.Status)
	setOutput, ok := execution.Output["set"].(map[string]interface{})
	require.True(t, ok, "exit node output missing, got %v", execution.Output)
	assert.Equal(t, "daily", setOutput["report"])

	t.Run("other user is denied", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/executions/"+executionID, s.token(t, "u2"), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown execution", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/executions/nope", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTriggerUnknownFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/flows/missing/trigger", token, TriggerRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeCompletedExecutionConflicts(t *testing.T) {
	s := newTestServer(t)
	flowID := s.seedPublishedFlow(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/flows/"+flowID+"/trigger", token, TriggerRequest{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var trigger map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trigger))
	require.NoError(t, s.handlers.Engine.Wait(context.Background(), trigger["executionId"]))

	rec = s.request(t, http.MethodPost, "/api/executions/"+trigger["executionId"]+"/resume", token, ResumeRequest{
		ResumeToken: "anything",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecutionEventStream(t *testing.T) {
	s := newTestServer(t)
	flowID := s.seedPublishedFlow(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/flows/"+flowID+"/trigger", token, TriggerRequest{})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var trigger map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trigger))
	require.NoError(t, s.handlers.Engine.Wait(context.Background(), trigger["executionId"]))

	rec = s.request(t, http.MethodGet, "/api/executions/"+trigger["executionId"]+"/events", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "event: snapshot")
	assert.Contains(t, rec.Body.String(), `"completed"`)
}

func TestChatDoesNotAdoptForeignConversation(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.conversations.SaveConversation(context.Background(), &agent.Conversation{
		ID:     "alice-thread",
		UserID: "alice",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "draft my payroll flow"},
		},
	}))

	rec := s.request(t, http.MethodPost, "/api/ai/chat", s.token(t, "mallory"), ChatRequest{
		ConversationID: "alice-thread",
		Message:        "create a flow",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := s.conversations.GetConversation(context.Background(), "alice-thread")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.UserID, "foreign thread must not change owner")
	require.Len(t, stored.Messages, 1)
	assert.Equal(t, "draft my payroll flow", stored.Messages[0].Content)

	t.Run("changes of a foreign conversation are denied", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/ai/conversations/alice-thread/changes", s.token(t, "mallory"), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

// withLimiter backs the test server's rate limiter with miniredis.
func (s *testServer) withLimiter(t *testing.T, cfg config.RateLimitConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s.handlers.Limiter = ratelimit.New(client, cfg, nil)
}

func TestChatReservesTokenBudget(t *testing.T) {
	t.Run("exhausted budget rejects the turn", func(t *testing.T) {
		s := newTestServer(t)
		s.withLimiter(t, config.RateLimitConfig{DefaultRPM: 100, DefaultTPM: 50, BurstMultiplier: 1})

		rec := s.request(t, http.MethodPost, "/api/ai/chat", s.token(t, "u1"), ChatRequest{
			Message: "create a flow",
		})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("reservation is charged against the window", func(t *testing.T) {
		s := newTestServer(t)
		s.withLimiter(t, config.RateLimitConfig{DefaultRPM: 100, DefaultTPM: 1000, BurstMultiplier: 1})

		rec := s.request(t, http.MethodPost, "/api/ai/chat", s.token(t, "u1"), ChatRequest{
			Message: "create a flow",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		d, err := s.handlers.Limiter.ReserveTokens(context.Background(), "u1", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Less(t, d.Remaining, 600, "the turn's estimate must stay charged")
	})
}

func TestInstallPluginRoutes(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/plugins/install", token, InstallPluginRequest{
		NodeType: "weatherLookup",
		Image:    "ghcr.io/n3n/weather:1.0.0",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	t.Run("failed install is tracked", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/plugins/tasks", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"FAILED"`)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		rec := s.request(t, http.MethodPost, "/api/plugins/install", token, InstallPluginRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/plugins/tasks/nope", token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChatStreamsBuilderEvents(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "u1")

	rec := s.request(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{
		ConversationID: "conv1",
		Message:        "幫我建立一個每天發送報表的流程",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")

	body := rec.Body.String()
	assert.Contains(t, body, "update_flow")
	assert.Contains(t, body, "scheduleTrigger")
	assert.Contains(t, body, "event: done")

	t.Run("pending changes stored", func(t *testing.T) {
		rec := s.request(t, http.MethodGet, "/api/ai/conversations/conv1/changes", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "add_node")
	})

	t.Run("conversation persisted", func(t *testing.T) {
		conv, err := s.conversations.GetConversation(context.Background(), "conv1")
		require.NoError(t, err)
		assert.Equal(t, "u1", conv.UserID)
		require.NotEmpty(t, conv.Messages)
		assert.Equal(t, llm.RoleUser, conv.Messages[0].Role)
	})

	t.Run("empty message rejected", func(t *testing.T) {
		rec := s.request(t, http.MethodPost, "/api/ai/chat", token, ChatRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
