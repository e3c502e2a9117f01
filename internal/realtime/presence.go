package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/domain"
)

const (
	presenceKey = "chat:presence:online"
	presenceTTL = 24 * time.Hour
)

type presenceEntry struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Role  domain.Role `json:"role"`
	Since time.Time   `json:"since"`
}

// Presence tracks which participants hold at least one live socket. Counts are
// kept per process; when a redis client is configured the online set is
// mirrored into a hash so that other relay instances can read it.
type Presence struct {
	client *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]int
}

// NewPresence builds a tracker. client may be nil.
func NewPresence(client *redis.Client, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{client: client, logger: logger, local: make(map[string]int)}
}

// Connected records a new socket for who.
func (p *Presence) Connected(ctx context.Context, who domain.ParticipantRef) {
	p.mu.Lock()
	p.local[who.ID]++
	first := p.local[who.ID] == 1
	p.mu.Unlock()
	if !first || p.client == nil {
		return
	}

	data, err := json.Marshal(presenceEntry{ID: who.ID, Name: who.Name, Role: who.Role, Since: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := p.client.HSet(ctx, presenceKey, who.ID, data).Err(); err != nil {
		p.logger.Warn("presence write failed", zap.String("user_id", who.ID), zap.Error(err))
		return
	}
	p.client.Expire(ctx, presenceKey, presenceTTL)
}

// Disconnected releases one socket of userID.
func (p *Presence) Disconnected(ctx context.Context, userID string) {
	p.mu.Lock()
	p.local[userID]--
	last := p.local[userID] <= 0
	if last {
		delete(p.local, userID)
	}
	p.mu.Unlock()
	if !last || p.client == nil {
		return
	}
	if err := p.client.HDel(ctx, presenceKey, userID).Err(); err != nil {
		p.logger.Warn("presence delete failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// IsOnline reports whether userID has a live socket here or, with redis, on
// any relay instance.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	p.mu.Lock()
	online := p.local[userID] > 0
	p.mu.Unlock()
	if online || p.client == nil {
		return online
	}
	found, err := p.client.HExists(ctx, presenceKey, userID).Result()
	if err != nil {
		p.logger.Debug("presence read failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return found
}

// Refresh rewrites the locally held entries and extends the hash expiry.
func (p *Presence) Refresh(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.local))
	for id := range p.local {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	existing, err := p.client.HMGet(ctx, presenceKey, ids...).Result()
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	for i, id := range ids {
		if existing[i] == nil {
			data, _ := json.Marshal(presenceEntry{ID: id, Since: time.Now().UTC()})
			pipe.HSet(ctx, presenceKey, id, data)
		}
	}
	pipe.Expire(ctx, presenceKey, presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}
