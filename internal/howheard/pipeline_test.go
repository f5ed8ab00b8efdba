package howheard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type publishCall struct {
	ShopName   string
	CustomerID int64
	Value      string
	Credential string
}

type fakePublisher struct {
	mu       sync.Mutex
	calls    []publishCall
	failNext int
	nextID   int64
}

func (f *fakePublisher) Publish(ctx context.Context, shopName string, customerID int64, value, credential string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{ShopName: shopName, CustomerID: customerID, Value: value, Credential: credential})
	if f.failNext > 0 {
		f.failNext--
		return 0, &PublishError{StatusCode: 503, Message: "upstream unavailable"}
	}
	f.nextID++
	return 9000 + f.nextID, nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pipelineFixture(t *testing.T) (*Pipeline, *MemoryBackend, *fakePublisher) {
	t.Helper()
	backend := NewMemoryBackend()
	ctx := context.Background()
	if err := backend.UpsertShop(ctx, Shop{
		CompanyName:  "tucker.myshopify.com",
		PlatformID:   777,
		IANATimezone: "America/New_York",
		AccessToken:  "shptoken",
	}); err != nil {
		t.Fatalf("seed shop: %v", err)
	}
	if err := backend.AddSelections(ctx, "tucker.myshopify.com", []string{"Instagram", "Podcast"}); err != nil {
		t.Fatalf("seed selections: %v", err)
	}
	publisher := &fakePublisher{}
	return NewPipeline(backend, backend, publisher), backend, publisher
}

func firstOrderEvent() OrderEvent {
	return OrderEvent{
		OrderID:             5551,
		OrderNumber:         1001,
		Email:               "buyer@example.com",
		CreatedAt:           time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC),
		SubtotalPrice:       "49.00",
		SourceName:          WebSourceName,
		CustomerID:          42,
		CustomerEmail:       "buyer@example.com",
		CustomerOrdersCount: 1,
	}
}

func TestPipelineAttributesFirstOrderWithDefault(t *testing.T) {
	pipeline, backend, publisher := pipelineFixture(t)
	ctx := context.Background()

	result, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", firstOrderEvent())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Status != StatusAttributed {
		t.Fatalf("expected attributed, got %s", result.Status)
	}
	if result.HowHeard != DefaultAnswer {
		t.Fatalf("expected %q, got %q", DefaultAnswer, result.HowHeard)
	}
	if result.MetafieldID == 0 {
		t.Fatalf("expected metafield id")
	}
	if publisher.callCount() != 1 {
		t.Fatalf("expected one publish call, got %d", publisher.callCount())
	}
	if publisher.calls[0].Credential != "shptoken" {
		t.Fatalf("publish used wrong credential: %q", publisher.calls[0].Credential)
	}

	orders, err := backend.FetchOrders(ctx, "tucker.myshopify.com")
	if err != nil {
		t.Fatalf("fetch orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order record, got %d", len(orders))
	}
	if orders[0].HowHeard != DefaultAnswer || orders[0].MetafieldID != result.MetafieldID {
		t.Fatalf("record missing attribution: %+v", orders[0])
	}
}

func TestPipelineUsesRecordedCustomerSelection(t *testing.T) {
	pipeline, backend, publisher := pipelineFixture(t)
	ctx := context.Background()
	if err := backend.UpsertCustomerSelection(ctx, "tucker.myshopify.com", 42, "Instagram"); err != nil {
		t.Fatalf("seed customer selection: %v", err)
	}

	result, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", firstOrderEvent())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.HowHeard != "Instagram" {
		t.Fatalf("expected Instagram, got %q", result.HowHeard)
	}
	if publisher.calls[0].Value != "Instagram" {
		t.Fatalf("published wrong value: %q", publisher.calls[0].Value)
	}
}

func TestPipelineRedeliveryIsIdempotent(t *testing.T) {
	pipeline, backend, publisher := pipelineFixture(t)
	ctx := context.Background()
	event := firstOrderEvent()

	if _, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	result, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", result.Status)
	}
	if publisher.callCount() != 1 {
		t.Fatalf("redelivery must not republish, got %d calls", publisher.callCount())
	}
	orders, _ := backend.FetchOrders(ctx, "tucker.myshopify.com")
	if len(orders) != 1 {
		t.Fatalf("redelivery must not duplicate records, got %d", len(orders))
	}
}

func TestPipelinePublishFailureLeavesEventRetryable(t *testing.T) {
	pipeline, backend, publisher := pipelineFixture(t)
	ctx := context.Background()
	publisher.failNext = 1
	event := firstOrderEvent()

	_, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event)
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}
	if !IsTransient(err) {
		t.Fatalf("publish failure must be transient, got %v", err)
	}
	processed, _ := backend.HasProcessed(ctx, "tucker.myshopify.com", event.OrderNumber)
	if processed {
		t.Fatalf("event must not be marked processed after a failed publish")
	}

	// The redelivery reuses the existing record and retries the publish.
	result, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Status != StatusAttributed {
		t.Fatalf("expected attributed on retry, got %s", result.Status)
	}
	if result.RecordCreated {
		t.Fatalf("retry must reuse the record created by the first delivery")
	}
	if publisher.callCount() != 2 {
		t.Fatalf("expected two publish attempts, got %d", publisher.callCount())
	}
	orders, _ := backend.FetchOrders(ctx, "tucker.myshopify.com")
	if len(orders) != 1 {
		t.Fatalf("expected one record after retry, got %d", len(orders))
	}
}

func TestPipelineSkipsIneligibleButStillDedupes(t *testing.T) {
	pipeline, backend, publisher := pipelineFixture(t)
	ctx := context.Background()
	event := firstOrderEvent()
	event.CustomerOrdersCount = 2

	result, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if publisher.callCount() != 0 {
		t.Fatalf("ineligible event must not publish")
	}
	// The record still exists for reporting.
	orders, _ := backend.FetchOrders(ctx, "tucker.myshopify.com")
	if len(orders) != 1 {
		t.Fatalf("expected record for ineligible order, got %d", len(orders))
	}
	// And a redelivery short-circuits at the ledger.
	redelivered, err := pipeline.ProcessOrder(ctx, "tucker.myshopify.com", event)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if redelivered.Status != StatusDuplicate {
		t.Fatalf("expected duplicate on redelivery, got %s", redelivered.Status)
	}
}

func TestPipelineNonWebOrderSkips(t *testing.T) {
	pipeline, _, publisher := pipelineFixture(t)
	event := firstOrderEvent()
	event.SourceName = "pos"

	result, err := pipeline.ProcessOrder(context.Background(), "tucker.myshopify.com", event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if publisher.callCount() != 0 {
		t.Fatalf("pos order must not publish")
	}
}

func TestPipelineUnknownShopIsFatal(t *testing.T) {
	pipeline, _, _ := pipelineFixture(t)
	_, err := pipeline.ProcessOrder(context.Background(), "missing.myshopify.com", firstOrderEvent())
	if err == nil {
		t.Fatalf("expected error for unknown shop")
	}
	if !IsFatal(err) {
		t.Fatalf("unknown shop must be fatal, got %v", err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %T", err)
	}
}

func TestPipelineWithoutSelectionListSkips(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	if err := backend.UpsertShop(ctx, Shop{CompanyName: "bare.myshopify.com", AccessToken: "tok"}); err != nil {
		t.Fatalf("seed shop: %v", err)
	}
	publisher := &fakePublisher{}
	pipeline := NewPipeline(backend, backend, publisher)

	result, err := pipeline.ProcessOrder(ctx, "bare.myshopify.com", firstOrderEvent())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("expected skipped without a selection list, got %s", result.Status)
	}
	if publisher.callCount() != 0 {
		t.Fatalf("must not publish without a selection list")
	}
}
