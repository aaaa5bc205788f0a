package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/n3n-io/n3n/agent"
	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
	"github.com/n3n-io/n3n/credential"
	"github.com/n3n-io/n3n/engine"
	"github.com/n3n-io/n3n/flow"
	"github.com/n3n-io/n3n/llm"
)

// Open connects to PostgreSQL and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, common.TransientError(err, "failed to connect to database")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, common.TransientError(err, "failed to access database pool")
	}
	if cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}

	if err := gdb.AutoMigrate(
		&FlowModel{},
		&FlowVersionModel{},
		&ExecutionModel{},
		&CredentialModel{},
		&ConversationModel{},
		&PendingChangeModel{},
	); err != nil {
		return nil, common.TransientError(err, "failed to migrate database schema")
	}

	common.Logger.Info("database connected and migrated")
	return gdb, nil
}

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		common.Logger.Warnf("failed to encode jsonb column: %v", err)
		return nil
	}
	return data
}

func unmarshalJSON(data []byte, v interface{}) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		common.Logger.Warnf("failed to decode jsonb column: %v", err)
	}
}

// PostgresFlowRepository is the gorm-backed FlowRepository.
type PostgresFlowRepository struct {
	db *gorm.DB
}

// NewPostgresFlowRepository wraps a gorm handle.
func NewPostgresFlowRepository(gdb *gorm.DB) *PostgresFlowRepository {
	return &PostgresFlowRepository{db: gdb}
}

func flowToModel(f *flow.Flow) *FlowModel {
	return &FlowModel{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		OwnerID:     f.OwnerID,
		Visibility:  string(f.Visibility),
		Deleted:     f.Deleted,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func modelToFlow(m *FlowModel) *flow.Flow {
	return &flow.Flow{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		OwnerID:     m.OwnerID,
		Visibility:  flow.Visibility(m.Visibility),
		Deleted:     m.Deleted,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func versionToModel(v *flow.Version) *FlowVersionModel {
	return &FlowVersionModel{
		ID:         v.ID,
		FlowID:     v.FlowID,
		Version:    v.Version,
		Status:     string(v.Status),
		Definition: marshalJSON(v.Definition),
		Settings:   marshalJSON(v.Settings),
		PinnedData: marshalJSON(v.PinnedData),
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
}

func modelToVersion(m *FlowVersionModel) *flow.Version {
	v := &flow.Version{
		ID:        m.ID,
		FlowID:    m.FlowID,
		Version:   m.Version,
		Status:    flow.VersionStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	unmarshalJSON(m.Definition, &v.Definition)
	unmarshalJSON(m.Settings, &v.Settings)
	unmarshalJSON(m.PinnedData, &v.PinnedData)
	return v
}

func (r *PostgresFlowRepository) CreateFlow(ctx context.Context, f *flow.Flow) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&FlowModel{}).
		Where("name = ? AND deleted = false", f.Name).
		Count(&count).Error
	if err != nil {
		return common.TransientError(err, "failed to check flow name")
	}
	if count > 0 {
		return common.ValidationError("flow name %q is already in use", f.Name)
	}

	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(flowToModel(f)).Error; err != nil {
		return common.TransientError(err, "failed to create flow %s", f.ID)
	}
	return nil
}

func (r *PostgresFlowRepository) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	var m FlowModel
	err := r.db.WithContext(ctx).Where("id = ? AND deleted = false", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NotFoundError("flow %s not found", id)
	}
	if err != nil {
		return nil, common.TransientError(err, "failed to load flow %s", id)
	}
	return modelToFlow(&m), nil
}

func (r *PostgresFlowRepository) ListFlows(ctx context.Context, ownerID string) ([]*flow.Flow, error) {
	var models []FlowModel
	query := r.db.WithContext(ctx).Where("deleted = false").Order("updated_at DESC")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, common.TransientError(err, "failed to list flows")
	}

	out := make([]*flow.Flow, 0, len(models))
	for i := range models {
		out = append(out, modelToFlow(&models[i]))
	}
	return out, nil
}

func (r *PostgresFlowRepository) UpdateFlow(ctx context.Context, f *flow.Flow) error {
	f.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).Model(&FlowModel{}).
		Where("id = ? AND deleted = false", f.ID).
		Updates(flowToModel(f))
	if result.Error != nil {
		return common.TransientError(result.Error, "failed to update flow %s", f.ID)
	}
	if result.RowsAffected == 0 {
		return common.NotFoundError("flow %s not found", f.ID)
	}
	return nil
}

func (r *PostgresFlowRepository) DeleteFlow(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&FlowModel{}).
		Where("id = ? AND deleted = false", id).
		Update("deleted", true)
	if result.Error != nil {
		return common.TransientError(result.Error, "failed to delete flow %s", id)
	}
	if result.RowsAffected == 0 {
		return common.NotFoundError("flow %s not found", id)
	}
	return nil
}

func (r *PostgresFlowRepository) SaveVersion(ctx context.Context, v *flow.Version) error {
	var existing FlowVersionModel
	err := r.db.WithContext(ctx).Where("id = ?", v.ID).First(&existing).Error
	if err == nil && existing.Status == string(flow.VersionPublished) {
		return common.InvalidStateError("version %s is published and immutable", v.ID)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return common.TransientError(err, "failed to load version %s", v.ID)
	}

	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if err := r.db.WithContext(ctx).Save(versionToModel(v)).Error; err != nil {
		return common.TransientError(err, "failed to save version %s", v.ID)
	}
	return nil
}

// GetVersion resolves a flow version. An empty version string selects the
// currently published version.
func (r *PostgresFlowRepository) GetVersion(ctx context.Context, flowID, version string) (*flow.Version, error) {
	query := r.db.WithContext(ctx).Where("flow_id = ?", flowID)
	if version == "" {
		query = query.Where("status = ?", string(flow.VersionPublished))
	} else {
		query = query.Where("version = ?", version)
	}

	var m FlowVersionModel
	err := query.First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if version == "" {
			return nil, common.NotFoundError("flow %s has no published version", flowID)
		}
		return nil, common.NotFoundError("flow %s has no version %s", flowID, version)
	}
	if err != nil {
		return nil, common.TransientError(err, "failed to load version for flow %s", flowID)
	}
	return modelToVersion(&m), nil
}

func (r *PostgresFlowRepository) ListVersions(ctx context.Context, flowID string) ([]*flow.Version, error) {
	var models []FlowVersionModel
	err := r.db.WithContext(ctx).Where("flow_id = ?", flowID).Order("created_at DESC").Find(&models).Error
	if err != nil {
		return nil, common.TransientError(err, "failed to list versions for flow %s", flowID)
	}

	out := make([]*flow.Version, 0, len(models))
	for i := range models {
		out = append(out, modelToVersion(&models[i]))
	}
	return out, nil
}

// PublishVersion promotes one version and deprecates the previously
// published one in a single transaction.
func (r *PostgresFlowRepository) PublishVersion(ctx context.Context, flowID, versionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target FlowVersionModel
		err := tx.Where("id = ? AND flow_id = ?", versionID, flowID).First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.NotFoundError("version %s not found for flow %s", versionID, flowID)
		}
		if err != nil {
			return common.TransientError(err, "failed to load version %s", versionID)
		}

		err = tx.Model(&FlowVersionModel{}).
			Where("flow_id = ? AND status = ? AND id <> ?", flowID, string(flow.VersionPublished), versionID).
			Updates(map[string]interface{}{"status": string(flow.VersionDeprecated), "updated_at": time.Now()}).Error
		if err != nil {
			return common.TransientError(err, "failed to deprecate published version of flow %s", flowID)
		}

		err = tx.Model(&target).
			Updates(map[string]interface{}{"status": string(flow.VersionPublished), "updated_at": time.Now()}).Error
		if err != nil {
			return common.TransientError(err, "failed to publish version %s", versionID)
		}
		return nil
	})
}

// PostgresExecutionRepository is the gorm-backed ExecutionRepository.
type PostgresExecutionRepository struct {
	db *gorm.DB
}

// NewPostgresExecutionRepository wraps a gorm handle.
func NewPostgresExecutionRepository(gdb *gorm.DB) *PostgresExecutionRepository {
	return &PostgresExecutionRepository{db: gdb}
}

func executionToModel(e *engine.Execution) *ExecutionModel {
	return &ExecutionModel{
		ID:             e.ID,
		FlowID:         e.FlowID,
		FlowVersion:    e.FlowVersion,
		UserID:         e.UserID,
		Status:         string(e.Status),
		NodeStates:     marshalJSON(e.NodeStates),
		TriggerPayload: marshalJSON(e.TriggerPayload),
		Output:         marshalJSON(e.Output),
		Error:          e.Error,
		StartedAt:      e.StartedAt,
		EndedAt:        e.EndedAt,
	}
}

func modelToExecution(m *ExecutionModel) *engine.Execution {
	e := &engine.Execution{
		ID:          m.ID,
		FlowID:      m.FlowID,
		FlowVersion: m.FlowVersion,
		UserID:      m.UserID,
		Status:      engine.Status(m.Status),
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
	}
	unmarshalJSON(m.NodeStates, &e.NodeStates)
	unmarshalJSON(m.TriggerPayload, &e.TriggerPayload)
	unmarshalJSON(m.Output, &e.Output)
	return e
}

func (r *PostgresExecutionRepository) SaveExecution(ctx context.Context, execution *engine.Execution) error {
	if err := r.db.WithContext(ctx).Save(executionToModel(execution)).Error; err != nil {
		return common.TransientError(err, "failed to save execution %s", execution.ID)
	}
	return nil
}

func (r *PostgresExecutionRepository) GetExecution(ctx context.Context, id string) (*engine.Execution, error) {
	var m ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, common.TransientError(err, "failed to load execution %s", id)
	}
	return modelToExecution(&m), nil
}

func (r *PostgresExecutionRepository) ListExecutions(ctx context.Context, flowID string, limit int) ([]*engine.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).Where("flow_id = ?", flowID).
		Order("started_at DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, common.TransientError(err, "failed to list executions for flow %s", flowID)
	}

	out := make([]*engine.Execution, 0, len(models))
	for i := range models {
		out = append(out, modelToExecution(&models[i]))
	}
	return out, nil
}

// PostgresCredentialRepository is the gorm-backed CredentialRepository.
type PostgresCredentialRepository struct {
	db *gorm.DB
}

// NewPostgresCredentialRepository wraps a gorm handle.
func NewPostgresCredentialRepository(gdb *gorm.DB) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: gdb}
}

func credentialToModel(rec *credential.Record) *CredentialModel {
	return &CredentialModel{
		ID:         rec.ID,
		UserID:     rec.UserID,
		Name:       rec.Name,
		Type:       rec.Type,
		Revoked:    rec.Revoked,
		Ciphertext: rec.Ciphertext,
	}
}

func modelToCredential(m *CredentialModel) *credential.Record {
	return &credential.Record{
		ID:         m.ID,
		UserID:     m.UserID,
		Name:       m.Name,
		Type:       m.Type,
		Revoked:    m.Revoked,
		Ciphertext: m.Ciphertext,
	}
}

func (r *PostgresCredentialRepository) CreateCredential(ctx context.Context, record *credential.Record) error {
	if err := r.db.WithContext(ctx).Create(credentialToModel(record)).Error; err != nil {
		return common.TransientError(err, "failed to create credential %s", record.ID)
	}
	return nil
}

func (r *PostgresCredentialRepository) GetCredential(ctx context.Context, id string) (*credential.Record, error) {
	var m CredentialModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NotFoundError("credential %s not found", id)
	}
	if err != nil {
		return nil, common.TransientError(err, "failed to load credential %s", id)
	}
	return modelToCredential(&m), nil
}

func (r *PostgresCredentialRepository) ListCredentials(ctx context.Context, userID string) ([]*credential.Record, error) {
	var models []CredentialModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("name").Find(&models).Error
	if err != nil {
		return nil, common.TransientError(err, "failed to list credentials")
	}

	out := make([]*credential.Record, 0, len(models))
	for i := range models {
		out = append(out, modelToCredential(&models[i]))
	}
	return out, nil
}

func (r *PostgresCredentialRepository) RevokeCredential(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&CredentialModel{}).
		Where("id = ?", id).Update("revoked", true)
	if result.Error != nil {
		return common.TransientError(result.Error, "failed to revoke credential %s", id)
	}
	if result.RowsAffected == 0 {
		return common.NotFoundError("credential %s not found", id)
	}
	return nil
}

func (r *PostgresCredentialRepository) DeleteCredential(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&CredentialModel{})
	if result.Error != nil {
		return common.TransientError(result.Error, "failed to delete credential %s", id)
	}
	if result.RowsAffected == 0 {
		return common.NotFoundError("credential %s not found", id)
	}
	return nil
}

// PostgresConversationRepository is the gorm-backed ConversationRepository.
type PostgresConversationRepository struct {
	db *gorm.DB
}

// NewPostgresConversationRepository wraps a gorm handle.
func NewPostgresConversationRepository(gdb *gorm.DB) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: gdb}
}

func (r *PostgresConversationRepository) SaveConversation(ctx context.Context, conv *agent.Conversation) error {
	model := &ConversationModel{
		ID:       conv.ID,
		UserID:   conv.UserID,
		FlowID:   conv.FlowID,
		Summary:  conv.Summary,
		Messages: marshalJSON(conv.Messages),
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return common.TransientError(err, "failed to save conversation %s", conv.ID)
	}
	return nil
}

func (r *PostgresConversationRepository) GetConversation(ctx context.Context, id string) (*agent.Conversation, error) {
	var m ConversationModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NotFoundError("conversation %s not found", id)
	}
	if err != nil {
		return nil, common.TransientError(err, "failed to load conversation %s", id)
	}
	return modelToConversation(&m), nil
}

func modelToConversation(m *ConversationModel) *agent.Conversation {
	conv := &agent.Conversation{
		ID:      m.ID,
		UserID:  m.UserID,
		FlowID:  m.FlowID,
		Summary: m.Summary,
	}
	var messages []llm.Message
	unmarshalJSON(m.Messages, &messages)
	conv.Messages = messages
	return conv
}

func (r *PostgresConversationRepository) ListConversations(ctx context.Context, userID string) ([]*agent.Conversation, error) {
	var models []ConversationModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&models).Error
	if err != nil {
		return nil, common.TransientError(err, "failed to list conversations")
	}

	out := make([]*agent.Conversation, 0, len(models))
	for i := range models {
		out = append(out, modelToConversation(&models[i]))
	}
	return out, nil
}

func (r *PostgresConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ConversationModel{})
	if result.Error != nil {
		return common.TransientError(result.Error, "failed to delete conversation %s", id)
	}
	if result.RowsAffected == 0 {
		return common.NotFoundError("conversation %s not found", id)
	}
	return nil
}

// PostgresPendingChangeRepository is the gorm-backed PendingChangeRepository.
type PostgresPendingChangeRepository struct {
	db *gorm.DB
}

// NewPostgresPendingChangeRepository wraps a gorm handle.
func NewPostgresPendingChangeRepository(gdb *gorm.DB) *PostgresPendingChangeRepository {
	return &PostgresPendingChangeRepository{db: gdb}
}

// SavePendingChanges replaces the conversation's stored changes with the
// given set.
func (r *PostgresPendingChangeRepository) SavePendingChanges(ctx context.Context, conversationID string, changes []*agent.PendingChange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&PendingChangeModel{}).Error; err != nil {
			return common.TransientError(err, "failed to clear pending changes for %s", conversationID)
		}
		for _, change := range changes {
			model := &PendingChangeModel{
				ID:             change.ID,
				ConversationID: conversationID,
				Type:           change.Type,
				Description:    change.Description,
				Payload:        marshalJSON(change.Payload),
			}
			if err := tx.Create(model).Error; err != nil {
				return common.TransientError(err, "failed to save pending change %s", change.ID)
			}
		}
		return nil
	})
}

func (r *PostgresPendingChangeRepository) ListPendingChanges(ctx context.Context, conversationID string) ([]*agent.PendingChange, error) {
	var models []PendingChangeModel
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Find(&models).Error
	if err != nil {
		return nil, common.TransientError(err, "failed to list pending changes for %s", conversationID)
	}

	out := make([]*agent.PendingChange, 0, len(models))
	for i := range models {
		m := &models[i]
		change := &agent.PendingChange{
			ID:          m.ID,
			Type:        m.Type,
			Description: m.Description,
		}
		var payload map[string]interface{}
		unmarshalJSON(m.Payload, &payload)
		change.Payload = payload
		out = append(out, change)
	}
	return out, nil
}

func (r *PostgresPendingChangeRepository) ClearPendingChanges(ctx context.Context, conversationID string) error {
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&PendingChangeModel{}).Error
	if err != nil {
		return common.TransientError(err, "failed to clear pending changes for %s", conversationID)
	}
	return nil
}
