package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "participant_paid", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"participant_paid", "pot_settled"},
	}}

	paid := &Event{Type: "participant_paid"}
	settled := &Event{Type: "pot_settled"}
	funded := &Event{Type: "pot_funded"}

	if !h.shouldSend(client, paid) {
		t.Error("Should receive participant_paid events")
	}
	if !h.shouldSend(client, settled) {
		t.Error("Should receive pot_settled events")
	}
	if h.shouldSend(client, funded) {
		t.Error("Should NOT receive pot_funded events")
	}
}

func TestShouldSend_PotFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		PotIDs: []string{"pot_mine"},
	}}

	matching := &Event{
		Type: "participant_paid",
		Data: map[string]interface{}{"potId": "pot_mine", "amount": int64(50)},
	}
	notMatching := &Event{
		Type: "participant_paid",
		Data: map[string]interface{}{"potId": "pot_other"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on pot ID")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match another pot")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"pot_settled"},
		PotIDs:     []string{"pot_mine"},
	}}

	rightPotWrongType := &Event{
		Type: "participant_paid",
		Data: map[string]interface{}{"potId": "pot_mine"},
	}
	rightBoth := &Event{
		Type: "pot_settled",
		Data: map[string]interface{}{"potId": "pot_mine"},
	}

	if h.shouldSend(client, rightPotWrongType) {
		t.Error("Event type filter must still apply")
	}
	if !h.shouldSend(client, rightBoth) {
		t.Error("Should receive matching event")
	}
}

// ---------------------------------------------------------------------------
// Broadcast tests
// ---------------------------------------------------------------------------

func TestPublish_DeliversToRegisteredClient(t *testing.T) {
	h := testHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	h.Publish("pot_settled", map[string]interface{}{"potId": "pot_1", "paid": 3})

	select {
	case raw := <-client.send:
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		if event.Type != "pot_settled" {
			t.Errorf("expected pot_settled, got %s", event.Type)
		}
		data, _ := event.Data.(map[string]interface{})
		if data["potId"] != "pot_1" {
			t.Errorf("expected potId pot_1, got %v", data["potId"])
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPublish_FilteredClientGetsNothing(t *testing.T) {
	h := testHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  Subscription{PotIDs: []string{"pot_other"}},
	}
	h.register <- client

	h.Publish("participant_paid", map[string]interface{}{"potId": "pot_1"})

	select {
	case <-client.send:
		t.Fatal("filtered client should not receive the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStats(t *testing.T) {
	h := testHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{AllEvents: true}}
	h.register <- client

	// register is processed before a subsequent broadcast on the same loop
	h.Publish("pot_settled", map[string]interface{}{"potId": "pot_1"})
	<-client.send

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("expected 1 total event, got %v", stats["totalEvents"])
	}
}
