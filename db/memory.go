package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/credential"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/llm"
)

// MemoryFlowRepository is the in-process FlowRepository used by tests and
// ephemeral deployments. Semantics mirror the PostgreSQL implementation.
type MemoryFlowRepository struct {
	mu       sync.RWMutex
	flows    map[string]*flow.Flow
	versions map[string]*flow.Version
}

// NewMemoryFlowRepository creates an empty in-memory flow repository.
func NewMemoryFlowRepository() *MemoryFlowRepository {
	return &MemoryFlowRepository{
		flows:    map[string]*flow.Flow{},
		versions: map[string]*flow.Version{},
	}
}

func cloneFlow(f *flow.Flow) *flow.Flow {
	copied := *f
	return &copied
}

func cloneVersion(v *flow.Version) *flow.Version {
	copied := *v
	return &copied
}

func (r *MemoryFlowRepository) CreateFlow(ctx context.Context, f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.flows {
		if !existing.Deleted && existing.Name == f.Name {
			return common.ValidationError("flow name %q is already in use", f.Name)
		}
	}

	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	r.flows[f.ID] = cloneFlow(f)
	return nil
}

func (r *MemoryFlowRepository) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flows[id]
	if !ok || f.Deleted {
		return nil, common.NotFoundError("flow %s not found", id)
	}
	return cloneFlow(f), nil
}

func (r *MemoryFlowRepository) ListFlows(ctx context.Context, ownerID string) ([]*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*flow.Flow
	for _, f := range r.flows {
		if f.Deleted {
			continue
		}
		if ownerID != "" && f.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneFlow(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryFlowRepository) UpdateFlow(ctx context.Context, f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.flows[f.ID]
	if !ok || existing.Deleted {
		return common.NotFoundError("flow %s not found", f.ID)
	}
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now()
	r.flows[f.ID] = cloneFlow(f)
	return nil
}

func (r *MemoryFlowRepository) DeleteFlow(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flows[id]
	if !ok || f.Deleted {
		return common.NotFoundError("flow %s not found", id)
	}
	f.Deleted = true
	f.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryFlowRepository) SaveVersion(ctx context.Context, v *flow.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.versions[v.ID]; ok && existing.Status == flow.VersionPublished {
		return common.InvalidStateError("version %s is published and immutable", v.ID)
	}

	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	r.versions[v.ID] = cloneVersion(v)
	return nil
}

func (r *MemoryFlowRepository) GetVersion(ctx context.Context, flowID, version string) (*flow.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions {
		if v.FlowID != flowID {
			continue
		}
		if version == "" && v.Status == flow.VersionPublished {
			return cloneVersion(v), nil
		}
		if version != "" && v.Version == version {
			return cloneVersion(v), nil
		}
	}
	if version == "" {
		return nil, common.NotFoundError("flow %s has no published version", flowID)
	}
	return nil, common.NotFoundError("flow %s has no version %s", flowID, version)
}

func (r *MemoryFlowRepository) ListVersions(ctx context.Context, flowID string) ([]*flow.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*flow.Version
	for _, v := range r.versions {
		if v.FlowID == flowID {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryFlowRepository) PublishVersion(ctx context.Context, flowID, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.versions[versionID]
	if !ok || target.FlowID != flowID {
		return common.NotFoundError("version %s not found for flow %s", versionID, flowID)
	}

	now := time.Now()
	for _, v := range r.versions {
		if v.FlowID == flowID && v.Status == flow.VersionPublished && v.ID != versionID {
			v.Status = flow.VersionDeprecated
			v.UpdatedAt = now
		}
	}
	target.Status = flow.VersionPublished
	target.UpdatedAt = now
	return nil
}

// MemoryExecutionRepository wraps the engine's in-memory store with
// listing support.
type MemoryExecutionRepository struct {
	mu         sync.RWMutex
	store      *engine.MemoryStore
	executions map[string]*engine.Execution
}

// NewMemoryExecutionRepository creates an empty in-memory execution
// repository.
func NewMemoryExecutionRepository() *MemoryExecutionRepository {
	return &MemoryExecutionRepository{
		store:      engine.NewMemoryStore(),
		executions: map[string]*engine.Execution{},
	}
}

func (r *MemoryExecutionRepository) SaveExecution(ctx context.Context, execution *engine.Execution) error {
	r.mu.Lock()
	r.executions[execution.ID] = execution
	r.mu.Unlock()
	return r.store.SaveExecution(ctx, execution)
}

func (r *MemoryExecutionRepository) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	return r.store.GetExecution(ctx, id)
}

func (r *MemoryExecutionRepository) ListExecutions(ctx context.Context, flowID string, limit int) ([]*engine.Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.executions))
	for id, e := range r.executions {
		if e.FlowID == flowID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var out []*engine.Execution
	for _, id := range ids {
		e, err := r.store.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryCredentialRepository is the in-process CredentialRepository.
type MemoryCredentialRepository struct {
	mu      sync.RWMutex
	records map[string]*credential.Record
}

// NewMemoryCredentialRepository creates an empty in-memory credential
// repository.
func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{records: map[string]*credential.Record{}}
}

func cloneCredential(rec *credential.Record) *credential.Record {
	copied := *rec
	copied.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return &copied
}

func (r *MemoryCredentialRepository) CreateCredential(ctx context.Context, record *credential.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = cloneCredential(record)
	return nil
}

func (r *MemoryCredentialRepository) GetCredential(ctx context.Context, id string) (*credential.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return cloneCredential(rec), nil
	}
	return nil, common.NotFoundError("credential %s not found", id)
}

func (r *MemoryCredentialRepository) ListCredentials(ctx context.Context, userID string) ([]*credential.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*credential.Record
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, cloneCredential(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryCredentialRepository) RevokeCredential(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return common.NotFoundError("credential %s not found", id)
	}
	rec.Revoked = true
	return nil
}

func (r *MemoryCredentialRepository) DeleteCredential(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return common.NotFoundError("credential %s not found", id)
	}
	delete(r.records, id)
	return nil
}

// MemoryConversationRepository is the in-process ConversationRepository.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*agent.Conversation
	savedAt       map[string]time.Time
}

// NewMemoryConversationRepository creates an empty in-memory conversation
// repository.
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: map[string]*agent.Conversation{},
		savedAt:       map[string]time.Time{},
	}
}

func cloneConversation(conv *agent.Conversation) *agent.Conversation {
	copied := *conv
	copied.Messages = append([]llm.Message(nil), conv.Messages...)
	return &copied
}

func (r *MemoryConversationRepository) SaveConversation(ctx context.Context, conv *agent.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = cloneConversation(conv)
	r.savedAt[conv.ID] = time.Now()
	return nil
}

func (r *MemoryConversationRepository) GetConversation(ctx context.Context, id string) (*agent.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conv, ok := r.conversations[id]; ok {
		return cloneConversation(conv), nil
	}
	return nil, common.NotFoundError("conversation %s not found", id)
}

func (r *MemoryConversationRepository) ListConversations(ctx context.Context, userID string) ([]*agent.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*agent.Conversation
	for _, conv := range r.conversations {
		if conv.UserID == userID {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.savedAt[out[i].ID].After(r.savedAt[out[j].ID])
	})
	return out, nil
}

func (r *MemoryConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return common.NotFoundError("conversation %s not found", id)
	}
	delete(r.conversations, id)
	delete(r.savedAt, id)
	return nil
}

// MemoryPendingChangeRepository is the in-process PendingChangeRepository.
type MemoryPendingChangeRepository struct {
	mu      sync.RWMutex
	changes map[string][]*agent.PendingChange
}

// NewMemoryPendingChangeRepository creates an empty in-memory pending
// change repository.
func NewMemoryPendingChangeRepository() *MemoryPendingChangeRepository {
	return &MemoryPendingChangeRepository{changes: map[string][]*agent.PendingChange{}}
}

func clonePendingChanges(changes []*agent.PendingChange) []*agent.PendingChange {
	out := make([]*agent.PendingChange, 0, len(changes))
	for _, change := range changes {
		copied := *change
		out = append(out, &copied)
	}
	return out
}

func (r *MemoryPendingChangeRepository) SavePendingChanges(ctx context.Context, conversationID string, changes []*agent.PendingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[conversationID] = clonePendingChanges(changes)
	return nil
}

func (r *MemoryPendingChangeRepository) ListPendingChanges(ctx context.Context, conversationID string) ([]*agent.PendingChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePendingChanges(r.changes[conversationID]), nil
}

func (r *MemoryPendingChangeRepository) ClearPendingChanges(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.changes, conversationID)
	return nil
}
