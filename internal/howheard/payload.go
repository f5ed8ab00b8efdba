package howheard

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema for the order-created webhook payload. A delivery that violates it
// can never be processed, so violations are fatal rather than retryable.
const orderEventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "order_number", "created_at", "source_name", "customer"],
	"properties": {
		"id": {"type": "integer"},
		"order_number": {"type": "integer"},
		"email": {"type": "string"},
		"created_at": {"type": "string"},
		"subtotal_price": {"type": "string"},
		"referring_site": {"type": ["string", "null"]},
		"source_url": {"type": ["string", "null"]},
		"source_name": {"type": "string"},
		"customer": {
			"type": "object",
			"required": ["id", "orders_count"],
			"properties": {
				"id": {"type": "integer"},
				"email": {"type": "string"},
				"first_name": {"type": ["string", "null"]},
				"last_name": {"type": ["string", "null"]},
				"orders_count": {"type": "integer"},
				"total_spent": {"type": "string"},
				"default_address": {
					"type": "object",
					"properties": {
						"company": {"type": ["string", "null"]},
						"address1": {"type": ["string", "null"]},
						"address2": {"type": ["string", "null"]},
						"city": {"type": ["string", "null"]},
						"province": {"type": ["string", "null"]},
						"country": {"type": ["string", "null"]},
						"zip": {"type": ["string", "null"]},
						"province_code": {"type": ["string", "null"]},
						"country_name": {"type": ["string", "null"]}
					}
				}
			}
		}
	}
}`

var orderEventSchema = mustCompileOrderEventSchema()

func mustCompileOrderEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(orderEventSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("howheard://order-event.schema.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("howheard://order-event.schema.json")
}

type orderWebhookAddress struct {
	Company      string `json:"company"`
	Address1     string `json:"address1"`
	Address2     string `json:"address2"`
	City         string `json:"city"`
	Province     string `json:"province"`
	Country      string `json:"country"`
	Zip          string `json:"zip"`
	ProvinceCode string `json:"province_code"`
	CountryName  string `json:"country_name"`
}

type orderWebhookCustomer struct {
	ID             int64               `json:"id"`
	Email          string              `json:"email"`
	FirstName      string              `json:"first_name"`
	LastName       string              `json:"last_name"`
	OrdersCount    int64               `json:"orders_count"`
	TotalSpent     string              `json:"total_spent"`
	DefaultAddress orderWebhookAddress `json:"default_address"`
}

type orderWebhook struct {
	ID            int64                `json:"id"`
	OrderNumber   int64                `json:"order_number"`
	Email         string               `json:"email"`
	CreatedAt     string               `json:"created_at"`
	SubtotalPrice string               `json:"subtotal_price"`
	ReferringSite string               `json:"referring_site"`
	SourceURL     string               `json:"source_url"`
	SourceName    string               `json:"source_name"`
	Customer      orderWebhookCustomer `json:"customer"`
}

// ParseOrderEvent validates a raw order-created delivery against the payload
// schema and projects it into an OrderEvent. Validation and decode failures
// are FatalError: redelivering the same bytes cannot fix them.
func ParseOrderEvent(raw []byte) (OrderEvent, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return OrderEvent{}, &FatalError{Reason: "order payload is not valid json: " + err.Error()}
	}
	if err := orderEventSchema.Validate(instance); err != nil {
		return OrderEvent{}, &FatalError{Reason: "order payload failed validation: " + err.Error()}
	}

	var wire orderWebhook
	if err := json.Unmarshal(raw, &wire); err != nil {
		return OrderEvent{}, &FatalError{Reason: "order payload decode: " + err.Error()}
	}
	createdAt, err := time.Parse(time.RFC3339, wire.CreatedAt)
	if err != nil {
		return OrderEvent{}, &FatalError{Reason: "order payload created_at: " + err.Error()}
	}

	return OrderEvent{
		OrderID:              wire.ID,
		OrderNumber:          wire.OrderNumber,
		Email:                wire.Email,
		CreatedAt:            createdAt,
		SubtotalPrice:        wire.SubtotalPrice,
		ReferringSite:        wire.ReferringSite,
		SourceURL:            wire.SourceURL,
		SourceName:           wire.SourceName,
		CustomerID:           wire.Customer.ID,
		CustomerEmail:        wire.Customer.Email,
		CustomerFirstName:    wire.Customer.FirstName,
		CustomerLastName:     wire.Customer.LastName,
		CustomerOrdersCount:  wire.Customer.OrdersCount,
		CustomerTotalSpent:   wire.Customer.TotalSpent,
		CustomerCompany:      wire.Customer.DefaultAddress.Company,
		CustomerAddress1:     wire.Customer.DefaultAddress.Address1,
		CustomerAddress2:     wire.Customer.DefaultAddress.Address2,
		CustomerCity:         wire.Customer.DefaultAddress.City,
		CustomerProvince:     wire.Customer.DefaultAddress.Province,
		CustomerCountry:      wire.Customer.DefaultAddress.Country,
		CustomerZip:          wire.Customer.DefaultAddress.Zip,
		CustomerProvinceCode: wire.Customer.DefaultAddress.ProvinceCode,
		CustomerCountryName:  wire.Customer.DefaultAddress.CountryName,
	}, nil
}
