// Package db persists flows, flow versions, executions, credentials, and
// AI conversations. The repository interfaces decouple callers from the
// storage backend: PostgreSQL (gorm) in production, in-memory maps in
// tests and ephemeral deployments.
package db

import (
	"time"
)

// FlowModel is the flows table.
type FlowModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:255;index"`
	Description string
	OwnerID     string `gorm:"size:64;index"`
	Visibility  string `gorm:"size:16"`
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (FlowModel) TableName() string { return "flows" }

// FlowVersionModel is the flow_versions table. Definition, Settings, and
// PinnedData are stored as JSONB documents.
type FlowVersionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	FlowID     string `gorm:"size:64;index"`
	Version    string `gorm:"size:64"`
	Status     string `gorm:"size:16;index"`
	Definition []byte `gorm:"type:jsonb"`
	Settings   []byte `gorm:"type:jsonb"`
	PinnedData []byte `gorm:"type:jsonb"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (FlowVersionModel) TableName() string { return "flow_versions" }

// ExecutionModel is the executions table. NodeStates holds the full
// per-node state map so a crashed engine can rebuild an execution.
type ExecutionModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	FlowID         string `gorm:"size:64;index"`
	FlowVersion    string `gorm:"size:64"`
	UserID         string `gorm:"size:64;index"`
	Status         string `gorm:"size:16;index"`
	NodeStates     []byte `gorm:"type:jsonb"`
	TriggerPayload []byte `gorm:"type:jsonb"`
	Output         []byte `gorm:"type:jsonb"`
	Error          string
	StartedAt      time.Time
	EndedAt        *time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// CredentialModel is the credentials table. Ciphertext is the sealed
// payload; plaintext never touches the database.
type CredentialModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"size:64;index"`
	Name       string `gorm:"size:255"`
	Type       string `gorm:"size:64"`
	Revoked    bool
	Ciphertext []byte `gorm:"type:bytea"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (CredentialModel) TableName() string { return "credentials" }

// ConversationModel is the conversations table for the AI flow builder.
type ConversationModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:64;index"`
	FlowID    string `gorm:"size:64;index"`
	Summary   string
	Messages  []byte `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

// PendingChangeModel is the pending_changes table: draft mutations the AI
// builder proposed in a conversation, kept until applied or discarded.
type PendingChangeModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;index"`
	Type           string `gorm:"size:32"`
	Description    string
	Payload        []byte `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (PendingChangeModel) TableName() string { return "pending_changes" }
