package storeclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-scheduler/internal/handler"
	"clinic-scheduler/internal/middleware"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
	"clinic-scheduler/internal/storeclient"
)

const secret = "client-secret"

func setup(t *testing.T) (*storeclient.Client, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	h := handler.New(mem, handler.Options{Location: loc, CleanupGrace: 2 * time.Hour})
	srv := httptest.NewServer(h.Router(middleware.Auth(secret)))
	t.Cleanup(srv.Close)
	return storeclient.New(srv.URL, secret, "test", 2*time.Second), mem
}

func TestRegisterAndProfile(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	_, err := c.Profile(ctx, "a@c.us")
	require.ErrorIs(t, err, storeclient.ErrNotFound)

	name, err := c.Register(ctx, "a@c.us", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "Ana", name)

	_, err = c.Register(ctx, "a@c.us", "Ana")
	require.ErrorIs(t, err, storeclient.ErrExists)

	p, err := c.Profile(ctx, "a@c.us")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)
	assert.Empty(t, p.Appointments)
}

func TestAssignAndRelease(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	_, err := c.Register(ctx, "b@c.us", "Bia")
	require.NoError(t, err)

	start := time.Now().Add(30 * time.Hour).Truncate(time.Minute)
	res := c.Assign(ctx, "b@c.us", "ev-1", start)
	require.Equal(t, model.StatusSuccess, res.Status, res.Message)
	assert.Equal(t, 1, res.Slot)
	assert.NotEmpty(t, res.When)

	c.Assign(ctx, "b@c.us", "ev-2", start.Add(time.Hour))
	full := c.Assign(ctx, "b@c.us", "ev-3", start.Add(2*time.Hour))
	assert.Equal(t, model.StatusFailure, full.Status)
	assert.Equal(t, handler.CapMessage, full.Message)

	rel := c.Release(ctx, "b@c.us", 1)
	assert.Equal(t, model.StatusSuccess, rel.Status)
	assert.Equal(t, 1, rel.Slot)

	again := c.Release(ctx, "b@c.us", 1)
	assert.Equal(t, model.StatusFailure, again.Status)

	unknown := c.Assign(ctx, "ghost@c.us", "ev-x", start)
	assert.Equal(t, model.StatusFailure, unknown.Status)
}

func TestMetricsAndCleanup(t *testing.T) {
	c, mem := setup(t)
	ctx := context.Background()

	require.NoError(t, c.LogMetric(ctx, model.Metric{ClientID: "c@c.us", EventID: "ev", Type: model.MetricReminder, Status: model.MetricSuccess}))
	require.Error(t, c.LogMetric(ctx, model.Metric{ClientID: "c@c.us", EventID: "ev", Type: "bogus"}))

	list, err := c.Metrics(ctx, "c@c.us", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = mem.CreateUser(ctx, "d@c.us", "Duda")
	require.NoError(t, err)
	_, err = mem.AssignSlot(ctx, "d@c.us", "old", time.Now().Add(-10*time.Hour))
	require.NoError(t, err)
	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestServerErrorsBecomeErrorResults(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := storeclient.New(srv.URL, secret, "test", time.Second)

	res := c.Assign(context.Background(), "x@c.us", "ev", time.Now())
	assert.Equal(t, model.StatusError, res.Status)
	assert.NotEmpty(t, res.Message)
	assert.EqualValues(t, 1, hits.Load(), "writes are never retried")

	hits.Store(0)
	_, err := c.Profile(context.Background(), "x@c.us")
	require.Error(t, err)
	assert.EqualValues(t, 3, hits.Load(), "reads retry on 503")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := storeclient.New(srv.URL, secret, "test", time.Second)

	res := c.Release(context.Background(), "x@c.us", 1)
	assert.Equal(t, model.StatusError, res.Status)
}
