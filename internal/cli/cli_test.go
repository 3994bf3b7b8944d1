package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-scheduler/internal/handler"
	"clinic-scheduler/internal/middleware"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

// storeAPI serves the store api over memory and points the config at it.
func storeAPI(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	h := handler.New(mem, handler.Options{Location: time.UTC})
	srv := httptest.NewServer(h.Router(middleware.Auth("cli-secret")))
	t.Cleanup(srv.Close)
	t.Setenv("STORE_API_URL", srv.URL)
	t.Setenv("STORE_API_SECRET", "cli-secret")
	t.Setenv("TIMEZONE", "UTC")
	return mem
}

func TestCleanupCommand(t *testing.T) {
	storeAPI(t)
	out, err := executeCLI(t, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, "slots cleared: 0\n", out)
}

func TestAuditCommandJSON(t *testing.T) {
	mem := storeAPI(t)
	require.NoError(t, mem.LogMetric(context.Background(), &model.Metric{
		ClientID: "5511@c.us",
		EventID:  "evt1",
		Type:     model.MetricReminder,
		Status:   model.MetricSuccess,
		Details:  "Lembrete para Ana às 10:00",
	}))

	out, err := executeCLI(t, "audit", "5511@c.us", "--json")
	require.NoError(t, err)
	var rows []model.Metric
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "evt1", rows[0].EventID)
}

func TestAuditCommandTable(t *testing.T) {
	mem := storeAPI(t)
	require.NoError(t, mem.LogMetric(context.Background(), &model.Metric{
		ClientID: "5511@c.us", EventID: "busca_2031-03-14", Type: model.MetricBooking, Status: model.MetricFailed,
	}))

	out, err := executeCLI(t, "audit", "5511@c.us")
	require.NoError(t, err)
	assert.Contains(t, out, "CLIENT")
	assert.Contains(t, out, "busca_2031-03-14")
}

func TestAuditNeedsChatID(t *testing.T) {
	storeAPI(t)
	_, err := executeCLI(t, "audit")
	assert.Error(t, err)
}

func TestWAHASetupRequiresURL(t *testing.T) {
	t.Setenv("TIMEZONE", "UTC")
	_, err := executeCLI(t, "waha-setup")
	assert.ErrorContains(t, err, "--webhook-url")
}

func TestAPIRequiresSecret(t *testing.T) {
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("STORE_API_SECRET", "")
	_, err := executeCLI(t, "api", "--in-memory")
	assert.ErrorContains(t, err, "STORE_API_SECRET")
}

func TestBadConfigStopsEveryCommand(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus_Mons")
	_, err := executeCLI(t, "cleanup")
	assert.ErrorContains(t, err, "TIMEZONE")
}
