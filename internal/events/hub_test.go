package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

func TestHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := model.Event{
		ID:      "e1",
		Type:    model.EventTradeExecuted,
		StockID: "s1",
		UserID:  "alice",
		Shares:  3,
		Price:   decimal.NewFromInt(10),
	}
	if err := hub.Emit(ctx, sent); err != nil {
		t.Fatalf("emit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "e1" || got.Type != model.EventTradeExecuted || got.Shares != 3 || !got.Price.Equal(sent.Price) {
		t.Errorf("got %+v, want %+v", got, sent)
	}
}

func TestHub_EmitWithoutClientsDoesNotBlock(t *testing.T) {
	hub := events.NewHub(nil)
	done := make(chan struct{})
	go func() {
		// The hub loop is not running; the buffer fills and then drops.
		for i := 0; i < 1000; i++ {
			_ = hub.Emit(context.Background(), model.Event{ID: "x", Type: model.EventDriftCompleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with a full buffer")
	}
}
