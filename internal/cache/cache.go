// Package cache holds the Redis-backed conversation state: dedup markers,
// chat history, the session step, cached profiles, the inbound queue and
// the reminder ledger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
)

const (
	QueueKey = "new_user_queue"

	messagePrefix  = "processed_msg:"
	eventPrefix    = "idempotency:event:"
	historyPrefix  = "history:"
	sessionPrefix  = "session:"
	profilePrefix  = "cache:user_profile:"
	reminderPrefix = "lembrete_enviado:"
	retryPrefix    = "retries:"

	stepField = "step"
)

// TTLs for each key family.
const (
	MessageTTL  = 60 * time.Second
	EventTTL    = 3 * time.Hour
	HistoryTTL  = 2 * time.Hour
	SessionTTL  = time.Hour
	ProfileTTL  = 3 * time.Hour
	ReminderTTL = 2 * time.Hour
	RetryTTL    = time.Hour

	// history entries kept per chat; reads only need the newest few
	historyCap = 50
)

// Role tags a history line.
type Role string

const (
	RoleUser Role = "User"
	RoleBot  Role = "Bot"
)

type Cache struct {
	rdb       *redis.Client
	reminders *redis.Client
}

// New wraps rdb. reminders may point at a separate database; nil reuses rdb.
func New(rdb, reminders *redis.Client) *Cache {
	if reminders == nil {
		reminders = rdb
	}
	return &Cache{rdb: rdb, reminders: reminders}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ----- dedup -----

// ClaimMessage marks a message id as taken. It returns false when another
// delivery already holds it.
func (c *Cache) ClaimMessage(ctx context.Context, id string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, messagePrefix+id, 1, MessageTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	return ok, nil
}

// ReleaseMessage drops the claim so a redelivery is processed.
func (c *Cache) ReleaseMessage(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, messagePrefix+id).Err()
}

// ClaimEvent is the ingress-side dedup on the webhook event id.
func (c *Cache) ClaimEvent(ctx context.Context, id string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, eventPrefix+id, 1, EventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return ok, nil
}

// ----- history -----

func (c *Cache) AppendHistory(ctx context.Context, chatID string, role Role, text string) error {
	key := historyPrefix + chatID
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, fmt.Sprintf("[%s]: %s", role, text))
	pipe.LTrim(ctx, key, 0, historyCap-1)
	pipe.Expire(ctx, key, HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// RecentHistory returns up to n lines, oldest first.
func (c *Cache) RecentHistory(ctx context.Context, chatID string, n int) ([]string, error) {
	items, err := c.rdb.LRange(ctx, historyPrefix+chatID, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (c *Cache) ClearHistory(ctx context.Context, chatID string) error {
	return c.rdb.Del(ctx, historyPrefix+chatID).Err()
}

// ----- session -----

// Step returns the chat's current flow; no session means StepNone.
func (c *Cache) Step(ctx context.Context, chatID string) (model.Step, error) {
	v, err := c.rdb.HGet(ctx, sessionPrefix+chatID, stepField).Result()
	if errors.Is(err, redis.Nil) {
		return model.StepNone, nil
	}
	if err != nil {
		return model.StepNone, fmt.Errorf("read session: %w", err)
	}
	return model.ParseStep(v), nil
}

func (c *Cache) SetStep(ctx context.Context, chatID string, step model.Step) error {
	key := sessionPrefix + chatID
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, stepField, string(step))
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// TouchSession slides the session expiry forward.
func (c *Cache) TouchSession(ctx context.Context, chatID string) error {
	return c.rdb.Expire(ctx, sessionPrefix+chatID, SessionTTL).Err()
}

// ResetConversation drops both the session and the history.
func (c *Cache) ResetConversation(ctx context.Context, chatID string) error {
	return c.rdb.Del(ctx, sessionPrefix+chatID, historyPrefix+chatID).Err()
}

// ----- profile -----

// CachedProfile returns the cached profile, or nil on a miss.
func (c *Cache) CachedProfile(ctx context.Context, chatID string) (*model.Profile, error) {
	raw, err := c.rdb.Get(ctx, profilePrefix+chatID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile cache: %w", err)
	}
	var p model.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile cache: %w", err)
	}
	return &p, nil
}

func (c *Cache) SetProfile(ctx context.Context, p *model.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, profilePrefix+p.ChatID, raw, ProfileTTL).Err()
}

// InvalidateProfile is called after every slot mutation.
func (c *Cache) InvalidateProfile(ctx context.Context, chatID string) error {
	n, err := c.rdb.Del(ctx, profilePrefix+chatID).Result()
	if err != nil {
		return fmt.Errorf("invalidate profile: %w", err)
	}
	appLog.Debug("profile cache invalidated", "chat_id", chatID, "existed", n > 0)
	return nil
}

// Profile reads through the cache. Cache failures fall back to fetch; a
// nil profile from fetch (unknown user) is not cached.
func (c *Cache) Profile(ctx context.Context, chatID string, fetch func(context.Context) (*model.Profile, error)) (*model.Profile, error) {
	p, err := c.CachedProfile(ctx, chatID)
	if err != nil {
		appLog.Warn("profile cache unavailable", "chat_id", chatID, "err", err.Error())
	}
	if p != nil {
		return p, nil
	}
	p, err = fetch(ctx)
	if err != nil || p == nil {
		return p, err
	}
	if err := c.SetProfile(ctx, p); err != nil {
		appLog.Warn("profile cache write failed", "chat_id", chatID, "err", err.Error())
	}
	return p, nil
}

// ----- queue -----

func (c *Cache) Enqueue(ctx context.Context, payload []byte) error {
	if err := c.rdb.RPush(ctx, QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next payload. It returns nil, nil on timeout.
func (c *Cache) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// [key, value]
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Attempt counts deliveries of a message id and returns the new count.
func (c *Cache) Attempt(ctx context.Context, id string) (int64, error) {
	key := retryPrefix + id
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, RetryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count attempt: %w", err)
	}
	return incr.Val(), nil
}

func (c *Cache) ClearAttempts(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, retryPrefix+id).Err()
}

// ----- reminders -----

// ClaimReminder records that the reminder for eventID is being sent. It
// returns false when one was already sent inside the ttl.
func (c *Cache) ClaimReminder(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.reminders.SetNX(ctx, reminderPrefix+eventID, 1, ReminderTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return ok, nil
}

// LastUserLine returns the text of the newest "[User]:" entry in history
// (oldest first), or "" when there is none.
func LastUserLine(history []string) string {
	prefix := fmt.Sprintf("[%s]:", RoleUser)
	for i := len(history) - 1; i >= 0; i-- {
		if strings.HasPrefix(history[i], prefix) {
			return strings.TrimSpace(strings.TrimPrefix(history[i], prefix))
		}
	}
	return ""
}
