package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"carepulse/internal/connection"
	"carepulse/internal/dispatch"
	"carepulse/internal/notifier"
	"carepulse/internal/platform"
	"carepulse/internal/retry"
	"carepulse/internal/transport"
)

type fakeChannel struct{ topic string }

func (c *fakeChannel) Join(ctx context.Context) error { return nil }
func (c *fakeChannel) Leave() error                   { return nil }

type fakeTransport struct{}

func (f *fakeTransport) Ping(ctx context.Context) error { return nil }
func (f *fakeTransport) Channel(topic string, cb transport.ChannelCallbacks) (transport.Channel, error) {
	return &fakeChannel{topic: topic}, nil
}
func (f *fakeTransport) Close() error { return nil }

type fakeBackend struct {
	mu      sync.Mutex
	created []platform.Notification
}

func (b *fakeBackend) GetDeliveryPreferences(ctx context.Context, userID string) (dispatch.PreferenceSet, error) {
	return dispatch.AllowAll(), nil
}

func (b *fakeBackend) CreateNotification(ctx context.Context, n platform.Notification) error {
	b.mu.Lock()
	b.created = append(b.created, n)
	b.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	svc := notifier.New(notifier.Config{
		Connection: connection.Config{HealthCheckInterval: time.Hour},
		Retry:      retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 3},
	}, &fakeTransport{}, backend, nil, zerolog.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("service start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return New("127.0.0.1", 0, svc, zerolog.Nop()), backend
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Status(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status notifier.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if status.State != connection.StateConnected {
		t.Errorf("state = %s, want connected", status.State)
	}
}

func TestServer_Capabilities(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var caps map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &caps); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	for _, key := range []string{"nativeAlerts", "audio", "vibration"} {
		if _, ok := caps[key]; !ok {
			t.Errorf("capability %q missing from %v", key, caps)
		}
	}
}

func TestServer_Reconnect(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/reconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var status notifier.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if status.State != connection.StateConnected {
		t.Errorf("state after reconnect = %s, want connected", status.State)
	}
}

func TestServer_TestNotification(t *testing.T) {
	s, backend := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/notifications/test", `{"userId":"42"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.created) != 1 || backend.created[0].UserID != "42" {
		t.Errorf("created = %+v", backend.created)
	}
}

func TestServer_TestNotification_MissingUser(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/notifications/test", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
