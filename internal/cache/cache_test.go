package cache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/model"
)

func setup(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.New(rdb, nil), mr
}

func TestClaimMessage(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	ok, err := c.ClaimMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClaimMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	mr.FastForward(cache.MessageTTL + time.Second)
	ok, _ = c.ClaimMessage(ctx, "m1")
	assert.True(t, ok, "claim expires")

	require.NoError(t, c.ReleaseMessage(ctx, "m1"))
	ok, _ = c.ClaimMessage(ctx, "m1")
	assert.True(t, ok, "released claim can be retaken")
}

func TestClaimEventTTL(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	ok, err := c.ClaimEvent(ctx, "evt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cache.EventTTL, mr.TTL("idempotency:event:evt"))
}

func TestHistoryOrderAndTTL(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		role := cache.RoleUser
		if i%2 == 1 {
			role = cache.RoleBot
		}
		require.NoError(t, c.AppendHistory(ctx, "chat", role, fmt.Sprintf("msg %d", i)))
	}

	got, err := c.RecentHistory(ctx, "chat", 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "[User]: msg 2", got[0], "oldest of the newest ten first")
	assert.Equal(t, "[Bot]: msg 11", got[9])
	assert.Equal(t, cache.HistoryTTL, mr.TTL("history:chat"))
	assert.Equal(t, "msg 10", cache.LastUserLine(got))

	require.NoError(t, c.ClearHistory(ctx, "chat"))
	got, err = c.RecentHistory(ctx, "chat", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistoryIsCapped(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	for i := 0; i < 80; i++ {
		require.NoError(t, c.AppendHistory(ctx, "chat", cache.RoleUser, "x"))
	}
	items, err := mr.List("history:chat")
	require.NoError(t, err)
	assert.Len(t, items, 50)
}

func TestLastUserLine(t *testing.T) {
	assert.Equal(t, "", cache.LastUserLine(nil))
	assert.Equal(t, "", cache.LastUserLine([]string{"[Bot]: olá"}))
	assert.Equal(t, "quero cancelar", cache.LastUserLine([]string{
		"[User]: oi", "[Bot]: olá", "[User]:  quero cancelar ", "[Bot]: ok",
	}))
}

func TestSessionStep(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	step, err := c.Step(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, model.StepNone, step)

	require.NoError(t, c.SetStep(ctx, "chat", model.StepDateConfirm))
	step, err = c.Step(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, model.StepDateConfirm, step)
	assert.Equal(t, "DATE_CONFIRM", mr.HGet("session:chat", "step"))

	mr.FastForward(50 * time.Minute)
	require.NoError(t, c.TouchSession(ctx, "chat"))
	assert.Equal(t, cache.SessionTTL, mr.TTL("session:chat"), "touch slides expiry")

	mr.FastForward(cache.SessionTTL + time.Second)
	step, _ = c.Step(ctx, "chat")
	assert.Equal(t, model.StepNone, step, "expired session resets")
}

func TestResetConversation(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	require.NoError(t, c.SetStep(ctx, "chat", model.StepCancelVerify))
	require.NoError(t, c.AppendHistory(ctx, "chat", cache.RoleUser, "oi"))

	require.NoError(t, c.ResetConversation(ctx, "chat"))
	assert.False(t, mr.Exists("session:chat"))
	assert.False(t, mr.Exists("history:chat"))
}

func TestProfileReadThrough(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (*model.Profile, error) {
		calls++
		return &model.Profile{ChatID: "chat", Name: "Ana"}, nil
	}

	p, err := c.Profile(ctx, "chat", fetch)
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)
	p, err = c.Profile(ctx, "chat", fetch)
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)
	assert.Equal(t, 1, calls, "second read is a hit")
	assert.Equal(t, cache.ProfileTTL, mr.TTL("cache:user_profile:chat"))

	require.NoError(t, c.InvalidateProfile(ctx, "chat"))
	_, err = c.Profile(ctx, "chat", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "invalidation forces a fetch")
}

func TestProfileMissNotCached(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()

	p, err := c.Profile(ctx, "ghost", func(context.Context) (*model.Profile, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, mr.Exists("cache:user_profile:ghost"))

	boom := errors.New("store down")
	_, err = c.Profile(ctx, "ghost", func(context.Context) (*model.Profile, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestProfileCorruptEntryFallsBack(t *testing.T) {
	c, mr := setup(t)
	require.NoError(t, mr.Set("cache:user_profile:chat", "{not json"))

	p, err := c.Profile(context.Background(), "chat", func(context.Context) (*model.Profile, error) {
		return &model.Profile{ChatID: "chat", Name: "Bia"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Bia", p.Name)
}

func TestQueue(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Enqueue(ctx, []byte("a")))
	require.NoError(t, c.Enqueue(ctx, []byte("b")))

	got, err := c.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got), "FIFO")
	got, err = c.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))
}

func TestDequeueTimeout(t *testing.T) {
	c, _ := setup(t)
	got, err := c.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttempts(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := c.Attempt(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, cache.RetryTTL, mr.TTL("retries:m1"))
	require.NoError(t, c.ClearAttempts(ctx, "m1"))
	n, _ := c.Attempt(ctx, "m1")
	assert.Equal(t, int64(1), n)
}

func TestClaimReminderUsesOwnDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	main := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rem := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1})
	t.Cleanup(func() { main.Close(); rem.Close() })
	c := cache.New(main, rem)
	ctx := context.Background()

	ok, err := c.ClaimReminder(ctx, "ev1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.ClaimReminder(ctx, "ev1")
	assert.False(t, ok)

	assert.True(t, mr.DB(1).Exists("lembrete_enviado:ev1"))
	assert.False(t, mr.DB(0).Exists("lembrete_enviado:ev1"))
	assert.Equal(t, cache.ReminderTTL, mr.DB(1).TTL("lembrete_enviado:ev1"))
}
