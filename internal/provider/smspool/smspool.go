// Package smspool is the SMSPool client used to rent numbers and read received codes.
package smspool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.smspool.net"

	purchasePath = "/purchase/sms"
	activePath   = "/request/active"
	checkPath    = "/sms/check"
	pricingPath  = "/request/pricing"

	defaultRequestTimeout = 20 * time.Second
	maxResponseBytes      = 4 << 20
)

// ErrInvalidConfig reports an unusable client configuration.
var ErrInvalidConfig = errors.New("invalid smspool config")

// Client implements fulfillment.Provisioner and fulfillment.PriceCatalog.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			client.baseURL = trimmed
		}
	}
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient builds a Client authenticated with apiKey.
func NewClient(apiKey string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	client := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// flexString decodes a JSON string, number or boolean into its textual form.
type flexString string

func (value *flexString) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*value = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*value = flexString(strings.TrimSpace(text))
		return nil
	}
	*value = flexString(trimmed)
	return nil
}

func (value flexString) String() string {
	return string(value)
}

func (value flexString) truthy() bool {
	switch strings.ToLower(string(value)) {
	case "1", "true":
		return true
	default:
		return false
	}
}

type purchaseResponse struct {
	Success     flexString `json:"success"`
	OrderID     flexString `json:"order_id"`
	PhoneNumber flexString `json:"phonenumber"`
	Number      flexString `json:"number"`
	Message     string     `json:"message"`
}

// Buy rents a number for the service in the country.
func (client *Client) Buy(ctx context.Context, request fulfillment.PurchaseRequest) (fulfillment.ProvisionedNumber, error) {
	body, err := client.post(ctx, purchasePath, url.Values{
		"country": {request.CountryID},
		"service": {request.ServiceID},
	})
	if err != nil {
		return fulfillment.ProvisionedNumber{}, err
	}
	var decoded purchaseResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fulfillment.ProvisionedNumber{}, fmt.Errorf("%w: decode purchase: %v", fulfillment.ErrProvider, err)
	}
	if !decoded.Success.truthy() || decoded.OrderID == "" {
		message := decoded.Message
		if message == "" {
			message = "purchase rejected"
		}
		return fulfillment.ProvisionedNumber{}, fmt.Errorf("%w: %s", fulfillment.ErrProvider, message)
	}
	phone := decoded.PhoneNumber.String()
	if phone == "" {
		phone = decoded.Number.String()
	}
	return fulfillment.ProvisionedNumber{
		ProviderOrderID: decoded.OrderID.String(),
		PhoneNumber:     phone,
		Raw:             json.RawMessage(body),
	}, nil
}

type activeEntry struct {
	OrderID   flexString `json:"order_id"`
	OrderCode flexString `json:"order_code"`
	SMS       flexString `json:"sms"`
	FullSMS   string     `json:"full_sms"`
	Status    flexString `json:"status"`
}

// ActiveOrders lists the account's open rentals.
func (client *Client) ActiveOrders(ctx context.Context) ([]fulfillment.ActiveOrder, error) {
	body, err := client.post(ctx, activePath, url.Values{})
	if err != nil {
		return nil, err
	}
	var entries []activeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode active orders: %v", fulfillment.ErrProvider, err)
	}
	orders := make([]fulfillment.ActiveOrder, 0, len(entries))
	for _, entry := range entries {
		orderID := entry.OrderID.String()
		if orderID == "" {
			orderID = entry.OrderCode.String()
		}
		if orderID == "" {
			continue
		}
		orders = append(orders, fulfillment.ActiveOrder{
			ProviderOrderID: orderID,
			SMS:             normalizeCode(entry.SMS.String()),
			FullSMS:         entry.FullSMS,
			RawStatus:       entry.Status.String(),
		})
	}
	return orders, nil
}

type checkResponse struct {
	Status  flexString `json:"status"`
	SMS     flexString `json:"sms"`
	FullSMS string     `json:"full_sms"`
	Message string     `json:"message"`
}

// Check reads the state of one rental.
func (client *Client) Check(ctx context.Context, providerOrderID string) (fulfillment.StatusCheck, error) {
	body, err := client.post(ctx, checkPath, url.Values{"orderid": {providerOrderID}})
	if err != nil {
		return fulfillment.StatusCheck{}, err
	}
	var decoded checkResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fulfillment.StatusCheck{}, fmt.Errorf("%w: decode check: %v", fulfillment.ErrProvider, err)
	}
	return fulfillment.StatusCheck{
		Status:    fulfillment.ParseProviderStatus(decoded.Status.String()),
		RawStatus: decoded.Status.String(),
		SMS:       normalizeCode(decoded.SMS.String()),
		FullSMS:   decoded.FullSMS,
	}, nil
}

type pricingEntry struct {
	Service     flexString `json:"service"`
	ServiceName string     `json:"service_name"`
	Country     flexString `json:"country"`
	CountryName string     `json:"country_name"`
	Price       flexString `json:"price"`
}

// Pricing lists every service/country price; unparsable prices are skipped.
func (client *Client) Pricing(ctx context.Context) ([]fulfillment.PriceListing, error) {
	body, err := client.post(ctx, pricingPath, url.Values{})
	if err != nil {
		return nil, err
	}
	var entries []pricingEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode pricing: %v", fulfillment.ErrProvider, err)
	}
	listings := make([]fulfillment.PriceListing, 0, len(entries))
	for _, entry := range entries {
		price, err := decimal.NewFromString(entry.Price.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		listings = append(listings, fulfillment.PriceListing{
			ServiceID:   entry.Service.String(),
			ServiceName: entry.ServiceName,
			CountryID:   entry.Country.String(),
			CountryName: entry.CountryName,
			PriceUSD:    price,
		})
	}
	return listings, nil
}

func (client *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	form.Set("key", client.apiKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", fulfillment.ErrProvider, path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read response: %v", fulfillment.ErrProvider, path, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s: status %d: %s", fulfillment.ErrProvider, path, response.StatusCode, providerMessage(body))
	}
	return body, nil
}

func providerMessage(body []byte) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// normalizeCode treats the provider's "0" placeholder as no code.
func normalizeCode(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "0" {
		return ""
	}
	return trimmed
}
