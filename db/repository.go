package db

import (
	"context"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/credential"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/flow"
)

// FlowRepository stores flows and their versions. GetVersion with an empty
// version string resolves the published version, which makes every
// implementation an engine.VersionSource.
type FlowRepository interface {
	engine.VersionSource

	// CreateFlow inserts a flow. A name already used by a non-deleted flow
	// is a VALIDATION error.
	CreateFlow(ctx context.Context, f *flow.Flow) error
	GetFlow(ctx context.Context, id string) (*flow.Flow, error)
	ListFlows(ctx context.Context, ownerID string) ([]*flow.Flow, error)
	UpdateFlow(ctx context.Context, f *flow.Flow) error

	// DeleteFlow soft-deletes; the record stays for execution history.
	DeleteFlow(ctx context.Context, id string) error

	// SaveVersion upserts a version. Overwriting a published version is an
	// INVALID_STATE error; published snapshots are immutable.
	SaveVersion(ctx context.Context, v *flow.Version) error
	ListVersions(ctx context.Context, flowID string) ([]*flow.Version, error)

	// PublishVersion atomically deprecates the currently published version
	// and promotes the target, so at most one version per flow is ever
	// published.
	PublishVersion(ctx context.Context, flowID, versionID string) error
}

// ExecutionRepository extends the engine's execution store with listing.
type ExecutionRepository interface {
	engine.Store

	ListExecutions(ctx context.Context, flowID string, limit int) ([]*engine.Execution, error)
}

// CredentialRepository stores sealed credential records. It satisfies
// credential.Store so the resolver reads through it directly.
type CredentialRepository interface {
	credential.Store

	CreateCredential(ctx context.Context, record *credential.Record) error
	ListCredentials(ctx context.Context, userID string) ([]*credential.Record, error)
	RevokeCredential(ctx context.Context, id string) error
	DeleteCredential(ctx context.Context, id string) error
}

// ConversationRepository stores AI builder conversation threads.
type ConversationRepository interface {
	SaveConversation(ctx context.Context, conv *agent.Conversation) error
	GetConversation(ctx context.Context, id string) (*agent.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*agent.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// PendingChangeRepository stores builder-proposed draft mutations per
// conversation until they are applied or discarded.
type PendingChangeRepository interface {
	SavePendingChanges(ctx context.Context, conversationID string, changes []*agent.PendingChange) error
	ListPendingChanges(ctx context.Context, conversationID string) ([]*agent.PendingChange, error)
	ClearPendingChanges(ctx context.Context, conversationID string) error
}
