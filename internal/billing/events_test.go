package billing

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string // concrete type
		ignored bool
		wantErr bool
	}{
		{"subscription", `{"type":"subscription.active","data":{"id":"sub_1"}}`, "*billing.SubscriptionEvent", false, false},
		{"order", `{"type":"order.paid","data":{"id":"ord_1"}}`, "*billing.OrderEvent", false, false},
		{"product", `{"type":"product.updated","data":{"id":"prod_1"}}`, "*billing.ProductEvent", false, false},
		{"unknown type", `{"type":"checkout.created","data":{"id":"c_1"}}`, "", true, false},
		{"no type", `{"data":{"id":"x"}}`, "", false, true},
		{"no data", `{"type":"order.paid"}`, "", false, true},
		{"data wrong shape", `{"type":"order.paid","data":[1]}`, "", false, true},
		{"not json", `nope`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent(json.RawMessage(tt.raw))
			if tt.ignored {
				if !errors.Is(err, ErrIgnoredEvent) {
					t.Fatalf("got %v, want ErrIgnoredEvent", err)
				}
				return
			}
			if tt.wantErr {
				if err == nil || errors.Is(err, ErrIgnoredEvent) {
					t.Fatalf("got %v, want a decode error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if got := typeName(ev); got != tt.want {
				t.Errorf("type: got %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(ev Event) string {
	switch ev.(type) {
	case *SubscriptionEvent:
		return "*billing.SubscriptionEvent"
	case *OrderEvent:
		return "*billing.OrderEvent"
	case *ProductEvent:
		return "*billing.ProductEvent"
	}
	return "?"
}

func TestSubscriptionValidate(t *testing.T) {
	ev, err := ParseEvent(json.RawMessage(`{"type":"subscription.updated","data":{"id":"sub_1","status":"active"}}`))
	if err != nil {
		t.Fatal(err)
	}
	err = ev.Validate()
	if err == nil {
		t.Fatal("Validate: got nil, want missing fields")
	}
	want := "missing required fields: product_id, current_period_start, current_period_end"
	if err.Error() != want {
		t.Errorf("Validate: got %q, want %q", err.Error(), want)
	}
}

func TestOrderHelpers(t *testing.T) {
	tests := []struct {
		raw     string
		paid    bool
		user    string
		product string
	}{
		{`{"id":"o","status":"paid","product_id":"p"}`, true, "", "Unknown Product"},
		{`{"id":"o","status":"pending","paid":true,"product_id":"p","customer":{"external_id":"u1"}}`, true, "u1", "Unknown Product"},
		{`{"id":"o","status":"pending","product_id":"p","product":{"name":"Starter"}}`, false, "", "Starter"},
	}
	for _, tt := range tests {
		ev := &OrderEvent{Kind: "order.updated"}
		if err := json.Unmarshal([]byte(tt.raw), &ev.Data); err != nil {
			t.Fatal(err)
		}
		if got := ev.IsPaid(); got != tt.paid {
			t.Errorf("%s IsPaid: got %v, want %v", tt.raw, got, tt.paid)
		}
		if got := ev.UserID(); got != tt.user {
			t.Errorf("%s UserID: got %q, want %q", tt.raw, got, tt.user)
		}
		if got := ev.ProductName(); got != tt.product {
			t.Errorf("%s ProductName: got %q, want %q", tt.raw, got, tt.product)
		}
	}
}

func TestSubscriptionCancels(t *testing.T) {
	for kind, want := range map[string]bool{
		"subscription.canceled":   true,
		"subscription.revoked":    true,
		"subscription.active":     false,
		"subscription.uncanceled": false,
		"subscription.updated":    false,
	} {
		if got := (&SubscriptionEvent{Kind: kind}).Cancels(); got != want {
			t.Errorf("%s: got %v, want %v", kind, got, want)
		}
	}
}

func TestAnomalyErrorUnwraps(t *testing.T) {
	ev := &OrderEvent{Kind: "order.paid", Data: OrderData{ID: "ord_9"}}
	var err error = anomaly(ev, "customer %s unknown", "u")
	if !errors.Is(err, ErrDataAnomaly) {
		t.Error("errors.Is(ErrDataAnomaly): got false")
	}
	if got, want := err.Error(), "order.paid ord_9: customer u unknown"; got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
}
