package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

type repository interface {
	CreateUser(ctx context.Context, chatID, name string) (*model.User, error)
	User(ctx context.Context, chatID string) (*model.User, error)
	AssignSlot(ctx context.Context, chatID, eventID string, start time.Time) (model.Slot, error)
	ReleaseSlot(ctx context.Context, chatID string, slot int) (model.Slot, error)
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
	LogMetric(ctx context.Context, m *model.Metric) error
	Metrics(ctx context.Context, clientID string, limit int) ([]model.Metric, error)
}

// each test runs against the in-memory store and, when DATABASE_URL is set, postgres
func repos(t *testing.T) map[string]repository {
	t.Helper()
	out := map[string]repository{"memory": store.NewMemory()}

	_ = godotenv.Load("../../.env")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return out
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(pool.Close)
	st := store.New(pool)
	if err := st.Migrate(context.Background(), "../../db/migrations/001_init.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	out["postgres"] = st
	return out
}

func newChat(t *testing.T, r repository) string {
	t.Helper()
	chat := fmt.Sprintf("55%s@c.us", uuid.New().String()[:8])
	if _, err := r.CreateUser(context.Background(), chat, "Test User"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return chat
}

func TestCreateUserDuplicate(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			chat := newChat(t, r)
			_, err := r.CreateUser(context.Background(), chat, "Again")
			if !errors.Is(err, store.ErrUserExists) {
				t.Fatalf("expected ErrUserExists, got %v", err)
			}
		})
	}
}

func TestUserNotFound(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			_, err := r.User(context.Background(), "nobody@c.us")
			if !errors.Is(err, store.ErrUserNotFound) {
				t.Fatalf("expected ErrUserNotFound, got %v", err)
			}
			_, err = r.AssignSlot(context.Background(), "nobody@c.us", "ev", time.Now().Add(time.Hour))
			if !errors.Is(err, store.ErrUserNotFound) {
				t.Fatalf("assign: expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestAssignFillsSlotsInOrder(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat := newChat(t, r)
			start := time.Now().Add(48 * time.Hour).Truncate(time.Second)

			s1, err := r.AssignSlot(ctx, chat, "ev-a", start)
			if err != nil {
				t.Fatalf("first assign: %v", err)
			}
			s2, err := r.AssignSlot(ctx, chat, "ev-b", start.Add(time.Hour))
			if err != nil {
				t.Fatalf("second assign: %v", err)
			}
			if s1.Index != 1 || s2.Index != 2 {
				t.Errorf("slots = %d,%d, want 1,2", s1.Index, s2.Index)
			}

			_, err = r.AssignSlot(ctx, chat, "ev-c", start.Add(2*time.Hour))
			if !errors.Is(err, store.ErrSlotsFull) {
				t.Fatalf("third assign: expected ErrSlotsFull, got %v", err)
			}
		})
	}
}

func TestAssignRejectsSameEventTwice(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat := newChat(t, r)
			start := time.Now().Add(24 * time.Hour)
			if _, err := r.AssignSlot(ctx, chat, "ev-dup", start); err != nil {
				t.Fatalf("assign: %v", err)
			}
			_, err := r.AssignSlot(ctx, chat, "ev-dup", start)
			if !errors.Is(err, store.ErrEventTaken) {
				t.Fatalf("expected ErrEventTaken, got %v", err)
			}
		})
	}
}

func TestReleaseClearsBothFields(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat := newChat(t, r)
			start := time.Now().Add(72 * time.Hour)
			if _, err := r.AssignSlot(ctx, chat, "ev-r", start); err != nil {
				t.Fatalf("assign: %v", err)
			}

			prev, err := r.ReleaseSlot(ctx, chat, 1)
			if err != nil {
				t.Fatalf("release: %v", err)
			}
			if prev.EventID != "ev-r" {
				t.Errorf("released event = %q", prev.EventID)
			}

			u, err := r.User(ctx, chat)
			if err != nil {
				t.Fatalf("user: %v", err)
			}
			if u.Slots[0].EventID != "" || !u.Slots[0].Start.IsZero() {
				t.Errorf("slot 1 not cleared: %+v", u.Slots[0])
			}

			_, err = r.ReleaseSlot(ctx, chat, 1)
			if !errors.Is(err, store.ErrSlotEmpty) {
				t.Fatalf("second release: expected ErrSlotEmpty, got %v", err)
			}
		})
	}
}

func TestReleaseValidation(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			chat := newChat(t, r)
			for _, slot := range []int{0, 3, -1} {
				if _, err := r.ReleaseSlot(context.Background(), chat, slot); !errors.Is(err, store.ErrInvalidSlot) {
					t.Errorf("slot %d: expected ErrInvalidSlot, got %v", slot, err)
				}
			}
		})
	}
}

func TestExpiredSlotIsReclaimed(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat := newChat(t, r)
			if _, err := r.AssignSlot(ctx, chat, "old", time.Now().Add(-3*time.Hour)); err != nil {
				t.Fatalf("assign old: %v", err)
			}
			if _, err := r.AssignSlot(ctx, chat, "mid", time.Now().Add(24*time.Hour)); err != nil {
				t.Fatalf("assign mid: %v", err)
			}
			s, err := r.AssignSlot(ctx, chat, "new", time.Now().Add(48*time.Hour))
			if err != nil {
				t.Fatalf("assign new: %v", err)
			}
			if s.Index != 1 {
				t.Errorf("expected expired slot 1 to be reused, got %d", s.Index)
			}
		})
	}
}

func TestMemoryClockSwapWhileServing(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		chat := newChat(t, mem)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = mem.AssignSlot(ctx, chat, fmt.Sprintf("evt-%d-%d", i, j), base.Add(time.Duration(j)*time.Hour))
				_, _ = mem.ReleaseSlot(ctx, chat, 1)
			}
		}(i)
	}
	for j := 0; j < 50; j++ {
		offset := time.Duration(j) * time.Minute
		mem.SetClock(func() time.Time { return base.Add(offset) })
	}
	wg.Wait()

	chat := newChat(t, mem)
	mem.SetClock(func() time.Time { return base })
	if _, err := mem.AssignSlot(ctx, chat, "a", base.Add(time.Hour)); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := mem.AssignSlot(ctx, chat, "b", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("assign b: %v", err)
	}
	mem.SetClock(func() time.Time { return base.Add(90 * time.Minute) })
	s, err := mem.AssignSlot(ctx, chat, "c", base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("assign c: %v", err)
	}
	if s.Index != 1 {
		t.Errorf("slot 1 expired under the new clock, got slot %d", s.Index)
	}
}

func TestCleanupExpired(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat := newChat(t, r)
			if _, err := r.AssignSlot(ctx, chat, "stale", time.Now().Add(-5*time.Hour)); err != nil {
				t.Fatalf("assign: %v", err)
			}
			if _, err := r.AssignSlot(ctx, chat, "fresh", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("assign: %v", err)
			}

			n, err := r.CleanupExpired(ctx, time.Now().Add(-2*time.Hour))
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			if n < 1 {
				t.Errorf("cleared = %d, want >= 1", n)
			}

			u, _ := r.User(ctx, chat)
			if u.Slots[0].Occupied() {
				t.Error("stale slot should be cleared")
			}
			if !u.Slots[1].Occupied() {
				t.Error("slot inside grace window should survive")
			}
		})
	}
}

func TestMetricLog(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client := "metric-" + uuid.New().String()[:8]
			for _, st := range []model.MetricStatus{model.MetricSuccess, model.MetricFailed} {
				m := &model.Metric{ClientID: client, EventID: "ev", Type: model.MetricBooking, Status: st}
				if err := r.LogMetric(ctx, m); err != nil {
					t.Fatalf("log: %v", err)
				}
				if m.ID == "" {
					t.Fatal("empty id")
				}
			}
			got, err := r.Metrics(ctx, client, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
		})
	}
}

// ----- concurrent booking -----

func TestConcurrentAssignCap(t *testing.T) {
	for name, r := range repos(t) {
		t.Run(name, func(t *testing.T) {
			chat := newChat(t, r)
			start := time.Now().Add(900 * time.Hour)

			const n = 1000
			var wg sync.WaitGroup
			results := make(chan error, n)

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := r.AssignSlot(context.Background(), chat, fmt.Sprintf("ev-%d", i), start)
					results <- err
				}(i)
			}
			wg.Wait()
			close(results)

			successes, rejected := 0, 0
			for err := range results {
				switch {
				case err == nil:
					successes++
				case errors.Is(err, store.ErrSlotsFull):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			if successes != 2 {
				t.Errorf("expected exactly 2 successes, got %d", successes)
			}
			if rejected != n-2 {
				t.Errorf("expected %d cap rejections, got %d", n-2, rejected)
			}

			u, _ := r.User(context.Background(), chat)
			if u.Slots[0].EventID == u.Slots[1].EventID {
				t.Errorf("both slots reference %q", u.Slots[0].EventID)
			}
			t.Logf("concurrent: %d success, %d rejected (out of %d)", successes, rejected, n)
		})
	}
}
