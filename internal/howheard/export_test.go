package howheard

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"
)

func TestWriteOrdersCSV(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	if err := backend.UpsertShop(ctx, Shop{
		CompanyName:  "tucker.myshopify.com",
		IANATimezone: "America/New_York",
	}); err != nil {
		t.Fatalf("seed shop: %v", err)
	}
	if _, err := backend.CreateOrderRecordIfAbsent(ctx, OrderRecord{
		CompanyName:          "tucker.myshopify.com",
		OrderID:              1,
		OrderNumber:          1001,
		CreatedAt:            time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC),
		SubtotalPrice:        "49.00",
		CustomerID:           42,
		CustomerEmail:        "buyer@example.com",
		CustomerFirstName:    "Sam",
		CustomerLastName:     "Field",
		CustomerOrdersCount:  1,
		CustomerTotalSpent:   "49.00",
		CustomerCity:         "Brooklyn",
		CustomerProvinceCode: "NY",
		CustomerCountryName:  "United States",
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := backend.AttachAttribution(ctx, "tucker.myshopify.com", 1, "Instagram", 84521); err != nil {
		t.Fatalf("attach attribution: %v", err)
	}

	var buf bytes.Buffer
	windower := NewWindower(backend)
	if err := windower.WriteOrdersCSV(ctx, "tucker.myshopify.com", &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(rows))
	}
	if len(rows[0]) != 13 || rows[0][0] != "companyName" || rows[0][12] != "howHeard" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	row := rows[1]
	if row[0] != "tucker.myshopify.com" {
		t.Fatalf("unexpected company: %v", row)
	}
	// Localized to New York: 23:30 UTC is 6:30pm on March 1.
	if row[1] != "03/01/2024 6:30" {
		t.Fatalf("unexpected localized createdAt: %q", row[1])
	}
	if row[3] != "1001" || row[4] != "buyer@example.com" || row[12] != "Instagram" {
		t.Fatalf("unexpected row: %v", row)
	}
}

func TestWriteOrdersCSVUnknownShopWritesHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	windower := NewWindower(NewMemoryBackend())
	if err := windower.WriteOrdersCSV(context.Background(), "gone.myshopify.com", &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}
