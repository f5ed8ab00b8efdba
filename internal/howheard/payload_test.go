package howheard

import (
	"testing"
	"time"
)

const validOrderPayload = `{
	"id": 5551,
	"order_number": 1001,
	"email": "buyer@example.com",
	"created_at": "2024-03-01T18:30:00-05:00",
	"subtotal_price": "49.00",
	"source_name": "web",
	"customer": {
		"id": 42,
		"email": "buyer@example.com",
		"first_name": "Sam",
		"last_name": "Field",
		"orders_count": 1,
		"total_spent": "49.00",
		"default_address": {
			"city": "Brooklyn",
			"province_code": "NY",
			"country_name": "United States"
		}
	}
}`

func TestParseOrderEvent(t *testing.T) {
	event, err := ParseOrderEvent([]byte(validOrderPayload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.OrderID != 5551 || event.OrderNumber != 1001 {
		t.Fatalf("order ids wrong: %+v", event)
	}
	if event.CustomerID != 42 || event.CustomerOrdersCount != 1 {
		t.Fatalf("customer fields wrong: %+v", event)
	}
	if event.CustomerCity != "Brooklyn" || event.CustomerProvinceCode != "NY" {
		t.Fatalf("address fields wrong: %+v", event)
	}
	want := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	if !event.CreatedAt.Equal(want) {
		t.Fatalf("expected created at %s, got %s", want, event.CreatedAt)
	}
}

func TestParseOrderEventRejectsMissingCustomer(t *testing.T) {
	payload := `{"id": 1, "order_number": 2, "created_at": "2024-03-01T18:30:00-05:00", "source_name": "web"}`
	_, err := ParseOrderEvent([]byte(payload))
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !IsFatal(err) {
		t.Fatalf("schema violation must be fatal, got %v", err)
	}
}

func TestParseOrderEventRejectsNonJSON(t *testing.T) {
	_, err := ParseOrderEvent([]byte("not json"))
	if err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal parse error, got %v", err)
	}
}

func TestParseOrderEventRejectsBadTimestamp(t *testing.T) {
	payload := `{
		"id": 1, "order_number": 2, "created_at": "03/01/2024", "source_name": "web",
		"customer": {"id": 42, "orders_count": 1}
	}`
	_, err := ParseOrderEvent([]byte(payload))
	if err == nil || !IsFatal(err) {
		t.Fatalf("expected fatal timestamp error, got %v", err)
	}
}

func TestParseOrderEventAllowsNullAddressFields(t *testing.T) {
	payload := `{
		"id": 1, "order_number": 2, "created_at": "2024-03-01T18:30:00-05:00", "source_name": "web",
		"referring_site": null,
		"customer": {
			"id": 42, "orders_count": 1, "first_name": null,
			"default_address": {"city": null, "country_name": null}
		}
	}`
	event, err := ParseOrderEvent([]byte(payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.CustomerCity != "" || event.CustomerFirstName != "" {
		t.Fatalf("null fields must decode empty: %+v", event)
	}
}
