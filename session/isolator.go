// Package session tracks AI builder sessions in Redis. Each session is
// owned by exactly one user; access from any other user is denied. Users
// hold a bounded number of concurrent sessions, with the oldest evicted
// when the cap is exceeded.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/n3n-io/n3n/common"
)

const (
	userSessionsPrefix = "n3n:sessions:"
	sessionPrefix      = "n3n:session:"

	// DefaultMaxSessions is the per-user concurrent session cap.
	DefaultMaxSessions = 10

	// DefaultTTL is the idle lifetime of a session. Every validated access
	// renews it.
	DefaultTTL = 24 * time.Hour
)

// Session is the stored session record.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Isolator creates sessions and enforces per-user ownership.
type Isolator struct {
	client      *redis.Client
	maxSessions int
	ttl         time.Duration
}

// NewIsolator creates an isolator with the default cap and TTL.
func NewIsolator(client *redis.Client) *Isolator {
	return &Isolator{client: client, maxSessions: DefaultMaxSessions, ttl: DefaultTTL}
}

// WithLimits overrides the session cap and TTL. Zero values keep the
// defaults.
func (i *Isolator) WithLimits(maxSessions int, ttl time.Duration) *Isolator {
	if maxSessions > 0 {
		i.maxSessions = maxSessions
	}
	if ttl > 0 {
		i.ttl = ttl
	}
	return i
}

// Create starts a new session for the user. When the user is at the cap,
// the oldest sessions are evicted first.
func (i *Isolator) Create(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, common.ValidationError("user id is required")
	}

	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	userKey := userSessionsPrefix + userID
	pipe := i.client.TxPipeline()
	pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(session.CreatedAt.UnixMilli()), Member: session.ID})
	pipe.HSet(ctx, sessionPrefix+session.ID,
		"userId", userID,
		"createdAt", session.CreatedAt.Format(time.RFC3339Nano))
	pipe.Expire(ctx, sessionPrefix+session.ID, i.ttl)
	pipe.Expire(ctx, userKey, i.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, common.TransientError(err, "failed to create session")
	}

	if err := i.evictOverflow(ctx, userID); err != nil {
		return nil, err
	}
	return session, nil
}

// evictOverflow trims the user's session set to the cap, oldest first.
func (i *Isolator) evictOverflow(ctx context.Context, userID string) error {
	userKey := userSessionsPrefix + userID
	count, err := i.client.ZCard(ctx, userKey).Result()
	if err != nil {
		return common.TransientError(err, "failed to count sessions")
	}
	overflow := int(count) - i.maxSessions
	if overflow <= 0 {
		return nil
	}

	oldest, err := i.client.ZRange(ctx, userKey, 0, int64(overflow-1)).Result()
	if err != nil {
		return common.TransientError(err, "failed to list oldest sessions")
	}
	pipe := i.client.TxPipeline()
	for _, id := range oldest {
		pipe.Del(ctx, sessionPrefix+id)
		pipe.ZRem(ctx, userKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return common.TransientError(err, "failed to evict sessions")
	}
	return nil
}

// Validate checks that the session exists and belongs to the user, and
// renews its TTL. An existing session owned by someone else is reported as
// permission denied, not as missing, so the caller can distinguish expiry
// from cross-user access.
func (i *Isolator) Validate(ctx context.Context, sessionID, userID string) (*Session, error) {
	values, err := i.client.HGetAll(ctx, sessionPrefix+sessionID).Result()
	if err != nil {
		return nil, common.TransientError(err, "failed to load session")
	}
	if len(values) == 0 {
		return nil, common.NotFoundError("session %s not found", sessionID)
	}
	owner := values["userId"]
	if owner != userID {
		return nil, common.PermissionDeniedError("session %s does not belong to the calling user", sessionID)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, values["createdAt"])
	session := &Session{ID: sessionID, UserID: owner, CreatedAt: createdAt}

	// Activity renews both the session and the user's index.
	pipe := i.client.TxPipeline()
	pipe.Expire(ctx, sessionPrefix+sessionID, i.ttl)
	pipe.Expire(ctx, userSessionsPrefix+owner, i.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, common.TransientError(err, "failed to renew session")
	}
	return session, nil
}

// End deletes a session after verifying ownership.
func (i *Isolator) End(ctx context.Context, sessionID, userID string) error {
	if _, err := i.Validate(ctx, sessionID, userID); err != nil {
		return err
	}
	pipe := i.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	pipe.ZRem(ctx, userSessionsPrefix+userID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.TransientError(err, "failed to end session")
	}
	return nil
}

// EndAll deletes every session the user holds.
func (i *Isolator) EndAll(ctx context.Context, userID string) error {
	ids, err := i.client.ZRange(ctx, userSessionsPrefix+userID, 0, -1).Result()
	if err != nil {
		return common.TransientError(err, "failed to list sessions")
	}
	pipe := i.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, sessionPrefix+id)
	}
	pipe.Del(ctx, userSessionsPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.TransientError(err, "failed to end sessions")
	}
	return nil
}

// List returns the user's live session ids, oldest first. Sessions whose
// data expired are pruned from the index as a side effect.
func (i *Isolator) List(ctx context.Context, userID string) ([]string, error) {
	ids, err := i.client.ZRange(ctx, userSessionsPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, common.TransientError(err, "failed to list sessions")
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := i.client.Exists(ctx, sessionPrefix+id).Result()
		if err != nil {
			return nil, common.TransientError(err, "failed to check session")
		}
		if exists == 0 {
			i.client.ZRem(ctx, userSessionsPrefix+userID, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}
