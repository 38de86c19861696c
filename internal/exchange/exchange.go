// Package exchange provides the USD to NGN rate used to price orders.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ratecache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultRateURL  = "https://open.er-api.com/v6/latest/USD"
	DefaultCacheKey = "smsverify:rate:usd_ngn"
	DefaultTTL      = time.Hour

	targetCurrency        = "NGN"
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// ErrRateSource reports a failed or unusable rate lookup.
var ErrRateSource = errors.New("exchange rate source error")

// HTTPSource reads the NGN rate from a latest-rates endpoint keyed by USD.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource builds an HTTPSource; an empty url selects DefaultRateURL.
func NewHTTPSource(url string, httpClient *http.Client) *HTTPSource {
	if strings.TrimSpace(url) == "" {
		url = DefaultRateURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPSource{url: url, httpClient: httpClient}
}

type latestRates struct {
	Result string                     `json:"result"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

// Fetch returns the current NGN value of one USD.
func (source *HTTPSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source.url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build rate request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := source.httpClient.Do(request)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateSource, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("%w: status %d", ErrRateSource, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: read response: %v", ErrRateSource, err)
	}
	var decoded latestRates
	if err := json.Unmarshal(body, &decoded); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: decode response: %v", ErrRateSource, err)
	}
	if decoded.Result != "" && decoded.Result != "success" {
		return decimal.Decimal{}, fmt.Errorf("%w: result %q", ErrRateSource, decoded.Result)
	}
	rate, ok := decoded.Rates[targetCurrency]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: no positive %s rate", ErrRateSource, targetCurrency)
	}
	return rate, nil
}

// Rates implements fulfillment.RateSource over a refreshing cache.
type Rates struct {
	cache    *ratecache.Cache[decimal.Decimal]
	fallback decimal.Decimal
	logger   *zap.Logger
}

// RatesOption customizes Rates.
type RatesOption func(*ratesConfig)

type ratesConfig struct {
	key      string
	ttl      time.Duration
	store    ratecache.Store[decimal.Decimal]
	fallback decimal.Decimal
	logger   *zap.Logger
	now      func() time.Time
}

// WithSharedStore shares fetched rates between processes.
func WithSharedStore(store ratecache.Store[decimal.Decimal]) RatesOption {
	return func(config *ratesConfig) {
		config.store = store
	}
}

// WithTTL sets how long a fetched rate stays fresh.
func WithTTL(ttl time.Duration) RatesOption {
	return func(config *ratesConfig) {
		if ttl > 0 {
			config.ttl = ttl
		}
	}
}

// WithFallbackRate is served when no rate was ever fetched.
func WithFallbackRate(rate decimal.Decimal) RatesOption {
	return func(config *ratesConfig) {
		config.fallback = rate
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) RatesOption {
	return func(config *ratesConfig) {
		if logger != nil {
			config.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) RatesOption {
	return func(config *ratesConfig) {
		config.now = now
	}
}

// NewRates caches fetch under DefaultCacheKey.
func NewRates(fetch ratecache.Loader[decimal.Decimal], options ...RatesOption) (*Rates, error) {
	config := ratesConfig{key: DefaultCacheKey, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(&config)
		}
	}
	cacheOptions := []ratecache.Option[decimal.Decimal]{
		ratecache.WithLogger[decimal.Decimal](config.logger),
		ratecache.WithClock[decimal.Decimal](config.now),
	}
	if config.store != nil {
		cacheOptions = append(cacheOptions, ratecache.WithStore[decimal.Decimal](config.store))
	}
	cache, err := ratecache.New(config.key, config.ttl, fetch, cacheOptions...)
	if err != nil {
		return nil, err
	}
	return &Rates{cache: cache, fallback: config.fallback, logger: config.logger}, nil
}

// USDToNGN returns the cached rate, refreshing it when stale.
func (rates *Rates) USDToNGN(ctx context.Context) (decimal.Decimal, error) {
	rate, err := rates.cache.Get(ctx)
	if err == nil {
		return rate, nil
	}
	if errors.Is(err, ratecache.ErrUnavailable) && rates.fallback.IsPositive() {
		rates.logger.Warn("rate unavailable, using configured fallback", zap.String("fallback", rates.fallback.String()), zap.Error(err))
		return rates.fallback, nil
	}
	return decimal.Decimal{}, err
}
