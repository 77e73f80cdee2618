package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinwatch/internal/platform/auth"
)

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("dr-a")
	hub.Register(client, RoleTopic("physician"), PatientTopic("p-1"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(RoleTopic("physician")) != 1 || hub.TopicCount(PatientTopic("p-1")) != 1 {
		t.Fatal("expected client on both topics")
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(RoleTopic("physician")) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send to be closed")
	}
	hub.Unregister(client)
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	both := NewClient("dr-a")
	roleOnly := NewClient("dr-b")
	other := NewClient("nurse-c")
	hub.Register(both, RoleTopic("physician"), PatientTopic("p-1"))
	hub.Register(roleOnly, RoleTopic("physician"))
	hub.Register(other, RoleTopic("nurse"))

	n := hub.Publish(context.Background(), Event{ID: "e-1", Type: "notification.risk-escalation", PatientID: "p-1"},
		RoleTopic("physician"), PatientTopic("p-1"))
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(both.Send) != 1 || len(roleOnly.Send) != 1 || len(other.Send) != 0 {
		t.Fatalf("unexpected buffers: both=%d roleOnly=%d other=%d", len(both.Send), len(roleOnly.Send), len(other.Send))
	}

	var ev Event
	if err := json.Unmarshal(<-both.Send, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ID != "e-1" || ev.PatientID != "p-1" || ev.Topic == "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHub_PublishDropsForSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("dr-a")
	hub.Register(client, "t")
	for i := 0; i < sendBuffer; i++ {
		hub.Publish(context.Background(), Event{ID: "fill"}, "t")
	}
	if n := hub.Publish(context.Background(), Event{ID: "overflow"}, "t"); n != 0 {
		t.Errorf("expected overflow to be dropped, got %d deliveries", n)
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("dr-a")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"a", "b", ""}})
	if hub.TopicCount("a") != 1 || hub.TopicCount("b") != 1 || hub.TopicCount("") != 0 {
		t.Fatal("expected subscriptions to a and b only")
	}
	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("a") != 0 || hub.TopicCount("b") != 1 {
		t.Fatal("expected only a removed")
	}
	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"c"}})
	if hub.TopicCount("c") != 0 {
		t.Error("unknown actions must be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("u")
			hub.Register(c, "t")
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), Event{ID: "x"}, "t")
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"allowed", []string{"https://app.example/"}, "https://app.example", true},
		{"denied", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.origins)(r); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func withReviewer(userID string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), userID, roles)))
			return next(c)
		}
	}
}

func TestHandler_StreamsToRoleTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.Use(withReviewer("dr-a", auth.RolePhysician))
	NewHandler(hub, nil, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/stream"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(RoleTopic(auth.RolePhysician)) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not subscribed to its role topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{PatientTopic("p-9")}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	for hub.TopicCount(PatientTopic("p-9")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe message was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), Event{ID: "e-1", Type: "notification.confirm-diagnosis", PatientID: "p-9"},
		PatientTopic("p-9"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.ID != "e-1" || got.Topic != PatientTopic("p-9") {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestHandler_RejectsUnprivilegedRole(t *testing.T) {
	e := echo.New()
	e.Use(withReviewer("pt-1", "patient"))
	NewHandler(NewHub(zerolog.Nop()), nil, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
