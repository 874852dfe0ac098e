package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"carepulse/internal/delivery"
	"carepulse/internal/event"
)

func TestClient_CreateNotification(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"}, zerolog.Nop())
	err := c.CreateNotification(context.Background(), Notification{
		UserID:   "42",
		Type:     "test",
		Title:    "Test notification",
		Priority: event.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	if gotPath != "/v1/notifications" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody.UserID != "42" || gotBody.Title != "Test notification" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestClient_CreateNotification_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	if err := c.CreateNotification(context.Background(), Notification{UserID: "nope"}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestClient_GetDeliveryPreferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_id"); got != "42" {
			t.Errorf("user_id = %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"event_type": "appointment", "sound": true, "visual": true, "haptic": false},
			{"event_type": "*", "sound": false, "visual": true, "haptic": false},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	set, err := c.GetDeliveryPreferences(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetDeliveryPreferences: %v", err)
	}

	if !set.Allows("appointment", delivery.ChannelSound) {
		t.Error("appointment sound should be allowed")
	}
	if set.Allows("appointment", delivery.ChannelHaptic) {
		t.Error("appointment haptic should be denied")
	}
	if !set.Allows("lab_result", delivery.ChannelVisual) {
		t.Error("wildcard visual should be allowed")
	}
	if set.Allows("lab_result", delivery.ChannelSound) {
		t.Error("wildcard sound should be denied")
	}
}

func TestClient_GetDeliveryPreferences_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := c.GetDeliveryPreferences(context.Background(), "42"); err == nil {
		t.Fatal("expected error for 500")
	}
}
