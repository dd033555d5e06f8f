package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMirrorPrefix = "camwatch:session:"
	DefaultMirrorTTL    = 2 * time.Minute
)

// MirrorOp is one pending write. A nil Session deletes SessionID.
type MirrorOp struct {
	SessionID domain.SessionID
	Session   *domain.StreamSession
}

func PutOp(s *domain.StreamSession) MirrorOp { return MirrorOp{SessionID: s.ID, Session: s} }
func DeleteOp(id domain.SessionID) MirrorOp  { return MirrorOp{SessionID: id} }
func (op MirrorOp) IsDelete() bool           { return op.Session == nil }

var _ ports.SessionMirror = (*SessionMirror)(nil)

// SessionMirror keeps a TTL-bounded copy of this instance's sessions in
// Redis, indexed by an active set.
type SessionMirror struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	instanceID string
}

func NewSessionMirror(client *redis.Client, instanceID string, ttl time.Duration) *SessionMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &SessionMirror{
		client:     client,
		prefix:     DefaultMirrorPrefix,
		ttl:        ttl,
		instanceID: instanceID,
	}
}

func (m *SessionMirror) sessionKey(id domain.SessionID) string {
	return m.prefix + string(id)
}

func (m *SessionMirror) activeKey() string {
	return m.prefix + "active"
}

func (m *SessionMirror) Put(ctx context.Context, s *domain.StreamSession) error {
	return m.ProcessBatch(ctx, []MirrorOp{PutOp(s)})
}

func (m *SessionMirror) Delete(ctx context.Context, id domain.SessionID) error {
	return m.ProcessBatch(ctx, []MirrorOp{DeleteOp(id)})
}

// ProcessBatch writes ops in one pipeline. Only the last op per session is
// applied.
func (m *SessionMirror) ProcessBatch(ctx context.Context, ops []MirrorOp) error {
	if len(ops) == 0 {
		return nil
	}

	last := make(map[domain.SessionID]int, len(ops))
	for i, op := range ops {
		last[op.SessionID] = i
	}

	now := time.Now()
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			if last[op.SessionID] != i {
				continue
			}
			key := m.sessionKey(op.SessionID)
			if op.IsDelete() {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, m.activeKey(), string(op.SessionID))
				continue
			}

			data, err := json.Marshal(&domain.MirroredSession{
				InstanceID: m.instanceID,
				Session:    *op.Session,
				MirroredAt: now,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal session %s: %w", op.SessionID, err)
			}
			pipe.Set(ctx, key, data, m.ttl)
			pipe.SAdd(ctx, m.activeKey(), string(op.SessionID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror sessions: %w", err)
	}
	return nil
}

func (m *SessionMirror) Get(ctx context.Context, id domain.SessionID) (*domain.MirroredSession, error) {
	data, err := m.client.Get(ctx, m.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var rec domain.MirroredSession
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// List returns every mirrored session across instances. Ids whose record
// has expired are pruned from the active set.
func (m *SessionMirror) List(ctx context.Context) ([]*domain.MirroredSession, error) {
	ids, err := m.client.SMembers(ctx, m.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active sessions from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.sessionKey(domain.SessionID(id))
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions from Redis: %w", err)
	}

	var (
		out   []*domain.MirroredSession
		stale []interface{}
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec domain.MirroredSession
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}

	if len(stale) > 0 {
		if err := m.client.SRem(ctx, m.activeKey(), stale...).Err(); err != nil {
			return out, fmt.Errorf("failed to prune expired sessions: %w", err)
		}
	}
	return out, nil
}

// DeleteInstance removes every record this instance wrote, used on shutdown.
func (m *SessionMirror) DeleteInstance(ctx context.Context) error {
	all, err := m.List(ctx)
	if err != nil {
		return err
	}
	var ops []MirrorOp
	for _, rec := range all {
		if rec.InstanceID == m.instanceID {
			ops = append(ops, DeleteOp(rec.Session.ID))
		}
	}
	return m.ProcessBatch(ctx, ops)
}
