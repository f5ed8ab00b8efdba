package howheard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetafieldPublisher pushes a resolved attribution value to the commerce
// platform as a customer-scoped annotation and returns the created
// annotation's id.
//
// A publisher performs exactly one attempt per call. Retry policy lives with
// the pipeline's caller: the event source redelivers when the webhook
// response asks it to.
type MetafieldPublisher interface {
	Publish(ctx context.Context, shopName string, customerID int64, value, credential string) (int64, error)
}

// PublishError is a non-2xx response from the platform. Both client and
// server statuses propagate; nothing is swallowed.
type PublishError struct {
	StatusCode int
	Message    string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("metafield publish failed: status=%d message=%s", e.StatusCode, e.Message)
}

const (
	metafieldNamespace = "howheard"
	metafieldKey       = "how_heard"
)

type HTTPMetafieldClientOptions struct {
	// BaseURL replaces the per-shop https://{shop} root, for tests and
	// proxy setups.
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// HTTPMetafieldClient publishes attribution values via the platform's
// customer metafield endpoint.
type HTTPMetafieldClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func NewHTTPMetafieldClient(opts HTTPMetafieldClientOptions) *HTTPMetafieldClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPMetafieldClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

func (c *HTTPMetafieldClient) shopRoot(shopName string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return "https://" + shopName
}

func (c *HTTPMetafieldClient) Publish(ctx context.Context, shopName string, customerID int64, value, credential string) (int64, error) {
	if strings.TrimSpace(shopName) == "" || customerID == 0 {
		return 0, ErrInvalidInput
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return 0, fmt.Errorf("metafield publish: missing access token for %s", shopName)
	}

	payload := map[string]any{
		"metafield": map[string]any{
			"namespace": metafieldNamespace,
			"key":       metafieldKey,
			"value":     value,
			"type":      "single_line_text_field",
		},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	url := c.shopRoot(shopName) + "/admin/customers/" + strconv.FormatInt(customerID, 10) + "/metafields.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Shopify-Access-Token", credential)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Errors any `json:"errors"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Errors != nil {
			message = fmt.Sprintf("%v", parsed.Errors)
		}
		return 0, &PublishError{StatusCode: resp.StatusCode, Message: message}
	}

	var created struct {
		Metafield struct {
			ID int64 `json:"id"`
		} `json:"metafield"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return 0, fmt.Errorf("metafield publish: decode response: %w", err)
	}
	if created.Metafield.ID == 0 {
		return 0, fmt.Errorf("metafield publish: response missing metafield id")
	}
	return created.Metafield.ID, nil
}
