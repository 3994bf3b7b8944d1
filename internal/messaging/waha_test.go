package messaging_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-scheduler/internal/messaging"
)

type call struct {
	method string
	path   string
	key    string
	body   map[string]any
}

type fakeWAHA struct {
	mu     sync.Mutex
	calls  []call
	status map[string]int
	delay  time.Duration
}

func (f *fakeWAHA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{r.Method, r.URL.Path, r.Header.Get("X-Api-Key"), body})
	code, ok := f.status[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		code = http.StatusCreated
	}
	w.WriteHeader(code)
}

func setup(t *testing.T, f *fakeWAHA) *messaging.Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return messaging.New(srv.URL, "secret", "clinic", messaging.Support{WAID: "5543999", FullName: "Suporte"}, 5*time.Second)
}

func TestSendText(t *testing.T) {
	f := &fakeWAHA{}
	c := setup(t, f)
	require.NoError(t, c.SendText(context.Background(), "55@c.us", "olá"))

	require.Len(t, f.calls, 1)
	got := f.calls[0]
	assert.Equal(t, "/api/sendText", got.path)
	assert.Equal(t, "secret", got.key)
	assert.Equal(t, "55@c.us", got.body["chatId"])
	assert.Equal(t, "olá", got.body["text"])
	assert.Equal(t, "clinic", got.body["session"])
}

func TestSendTextFailure(t *testing.T) {
	c := setup(t, &fakeWAHA{status: map[string]int{"/api/sendText": http.StatusUnauthorized}})
	assert.Error(t, c.SendText(context.Background(), "55@c.us", "olá"))
}

func TestPresenceIsBounded(t *testing.T) {
	f := &fakeWAHA{delay: 2 * time.Second}
	c := setup(t, f)
	started := time.Now()
	c.SetPresence(context.Background(), "55@c.us", messaging.PresenceTyping)
	assert.Less(t, time.Since(started), 1900*time.Millisecond)
}

func TestSupportContact(t *testing.T) {
	f := &fakeWAHA{}
	c := setup(t, f)
	require.NoError(t, c.SendSupportContact(context.Background(), "55@c.us"))

	require.Len(t, f.calls, 1)
	assert.Equal(t, "/api/sendContactVcard", f.calls[0].path)
	contacts := f.calls[0].body["contacts"].([]any)
	vcard := contacts[0].(map[string]any)["vcard"].(string)
	assert.Equal(t, "BEGIN:VCARD\nVERSION:3.0\nFN:Suporte\nTEL;type=CELL;waid=5543999:+5543999\nEND:VCARD", vcard)
}

func TestConfigureSession(t *testing.T) {
	f := &fakeWAHA{status: map[string]int{"/api/sessions/clinic/start": http.StatusUnprocessableEntity}}
	c := setup(t, f)
	err := c.ConfigureSession(context.Background(), messaging.Webhook{
		URL: "http://gateway:8081/webhook", Events: []string{"message"}, HMACKey: "k",
	})
	require.NoError(t, err, "422 on start means already running")

	require.Len(t, f.calls, 2)
	assert.Equal(t, http.MethodPut, f.calls[0].method)
	hooks := f.calls[0].body["config"].(map[string]any)["webhooks"].([]any)
	hmac := hooks[0].(map[string]any)["hmac"].(map[string]any)
	assert.Equal(t, "sha512", hmac["algorithm"])
	assert.Equal(t, "X-Webhook-Hmac", hmac["header"])
}
