package howheard

// WebSourceName is the storefront web channel. Orders from any other
// channel (POS, draft orders, API imports) never carry attribution.
const WebSourceName = "web"

// DefaultAnswer is recorded when an eligible first order arrives and the
// customer never answered the question.
const DefaultAnswer = "Did not answer"

// Resolution is the outcome of eligibility resolution: either a skip with a
// reason, or a value to publish.
type Resolution struct {
	Eligible bool
	Value    string
	Reason   string
}

func skip(reason string) Resolution {
	return Resolution{Reason: reason}
}

// Resolve decides whether an order event gets attributed and with which
// value. It is pure: list and selection carry everything it needs, and a
// nil selection means the customer never answered.
func Resolve(event OrderEvent, list *SelectionList, selection *CustomerSelection) Resolution {
	if event.SourceName != WebSourceName {
		return skip("source channel is not web")
	}
	if list == nil || len(list.Selections) == 0 {
		return skip("shop has no selection list")
	}
	if event.CustomerOrdersCount != 1 {
		return skip("not the customer's first order")
	}
	if selection == nil || selection.Selection == "" {
		return Resolution{Eligible: true, Value: DefaultAnswer}
	}
	return Resolution{Eligible: true, Value: selection.Selection}
}
