package howheard

import "testing"

func webOrderEvent(ordersCount int64) OrderEvent {
	return OrderEvent{
		OrderID:             1001,
		OrderNumber:         1,
		SourceName:          WebSourceName,
		CustomerID:          42,
		CustomerOrdersCount: ordersCount,
	}
}

func testSelectionList() *SelectionList {
	return &SelectionList{
		CompanyName: "tucker.myshopify.com",
		Selections:  []string{"Instagram", "Podcast", "From A Friend", "Other"},
	}
}

func TestResolveFirstOrderWithoutSelectionFallsBack(t *testing.T) {
	res := Resolve(webOrderEvent(1), testSelectionList(), nil)
	if !res.Eligible {
		t.Fatalf("expected eligible, got skip: %s", res.Reason)
	}
	if res.Value != DefaultAnswer {
		t.Fatalf("expected %q, got %q", DefaultAnswer, res.Value)
	}
}

func TestResolveFirstOrderWithSelectionUsesIt(t *testing.T) {
	selection := &CustomerSelection{
		CompanyName: "tucker.myshopify.com",
		CustomerID:  42,
		Selection:   "Instagram",
	}
	res := Resolve(webOrderEvent(1), testSelectionList(), selection)
	if !res.Eligible {
		t.Fatalf("expected eligible, got skip: %s", res.Reason)
	}
	if res.Value != "Instagram" {
		t.Fatalf("expected Instagram, got %q", res.Value)
	}
}

func TestResolveRepeatOrderSkips(t *testing.T) {
	selection := &CustomerSelection{Selection: "Instagram"}
	res := Resolve(webOrderEvent(2), testSelectionList(), selection)
	if res.Eligible {
		t.Fatalf("expected skip for second order, got value %q", res.Value)
	}
}

func TestResolveNonWebSourceSkips(t *testing.T) {
	event := webOrderEvent(1)
	event.SourceName = "pos"
	res := Resolve(event, testSelectionList(), nil)
	if res.Eligible {
		t.Fatalf("expected skip for pos order, got value %q", res.Value)
	}
}

func TestResolveWithoutSelectionListSkips(t *testing.T) {
	if res := Resolve(webOrderEvent(1), nil, nil); res.Eligible {
		t.Fatalf("expected skip without a selection list, got value %q", res.Value)
	}
	empty := &SelectionList{CompanyName: "tucker.myshopify.com"}
	if res := Resolve(webOrderEvent(1), empty, nil); res.Eligible {
		t.Fatalf("expected skip with an empty selection list, got value %q", res.Value)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	event := webOrderEvent(1)
	list := testSelectionList()
	selection := &CustomerSelection{Selection: "Podcast"}
	first := Resolve(event, list, selection)
	second := Resolve(event, list, selection)
	if first != second {
		t.Fatalf("resolution not deterministic: %+v vs %+v", first, second)
	}
}
