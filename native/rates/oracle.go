package rates

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PriceQuote captures an exchange rate for a fiat/crypto pair along with the
// timestamp reported by the upstream oracle and the oracle identifier. The
// rate is denominated in fiat per whole crypto token.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate using the supplied precision.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves an exchange rate for the provided base/quote pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote
// within the configured freshness window.
var ErrNoFreshQuote = errors.New("rates: no fresh oracle quote available")

// Aggregator consults a list of registered oracles in priority order until a
// fresh quote is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
}

// NewAggregator constructs a new aggregator with the provided priority and
// freshness window.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of the configuration casing.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate fetches a rate from the configured oracles respecting the priority
// ordering. The aggregator enforces the freshness window and returns a
// defensive copy of the upstream value.
func (a *Aggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("rates: aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	baseSym := normalizeSymbol(base)
	quoteSym := normalizeSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("rates: base and quote required")
	}

	var lastErr error
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	for _, name := range priority {
		a.mu.RLock()
		oracle := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if oracle == nil {
			continue
		}
		result, err := oracle.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = err
			continue
		}
		if result.Rate == nil || result.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("rates: oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && result.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		quoteOut := result.Clone()
		if strings.TrimSpace(quoteOut.Source) == "" {
			quoteOut.Source = strings.ToLower(name)
		}
		return quoteOut, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

// ManualOracle provides an in-memory oracle implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]PriceQuote)}
}

func manualKey(base, quote string) string {
	return normalizeSymbol(base) + "_" + normalizeSymbol(quote)
}

// SetDecimal records the supplied decimal rate for the currency pair using
// the provided timestamp.
func (m *ManualOracle) SetDecimal(base, quote, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("rates: manual oracle not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("rates: manual oracle rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("rates: manual oracle invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("rates: manual oracle rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Set stores the provided rational rate for the currency pair.
func (m *ManualOracle) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	m.mu.Lock()
	m.quotes[manualKey(base, quote)] = PriceQuote{
		Rate:      new(big.Rat).Set(rate),
		Timestamp: ts,
		Source:    "manual",
	}
	m.mu.Unlock()
}

// GetRate retrieves the stored rate for the currency pair.
func (m *ManualOracle) GetRate(base, quote string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("rates: manual oracle not configured")
	}
	m.mu.RLock()
	stored, ok := m.quotes[manualKey(base, quote)]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("rates: manual quote for %s/%s not found", base, quote)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CoinGeckoOracle adapts the public CoinGecko simple price API.
type CoinGeckoOracle struct {
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// NewCoinGeckoOracle constructs a new adapter. idMap allows the caller to map
// token symbols to CoinGecko asset identifiers.
func NewCoinGeckoOracle(client HTTPDoer, endpoint string, idMap map[string]string) *CoinGeckoOracle {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normalizeSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoOracle{client: client, endpoint: ep, idMap: mapped}
}

func (o *CoinGeckoOracle) assetID(symbol string) string {
	if o == nil {
		return ""
	}
	if id, ok := o.idMap[normalizeSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// GetRate queries the simple price endpoint for the quote asset priced in the
// base fiat currency.
func (o *CoinGeckoOracle) GetRate(base, quote string) (PriceQuote, error) {
	if o == nil {
		return PriceQuote{}, fmt.Errorf("rates: coingecko oracle not configured")
	}
	baseSym := strings.ToLower(normalizeSymbol(base))
	id := o.assetID(normalizeSymbol(quote))
	if id == "" {
		return PriceQuote{}, fmt.Errorf("rates: coingecko unmapped asset %s", quote)
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceQuote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", baseSym)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceQuote{}, fmt.Errorf("rates: coingecko status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return PriceQuote{}, fmt.Errorf("rates: coingecko decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return PriceQuote{}, fmt.Errorf("rates: coingecko quote missing for %s", quote)
	}
	var priceStr string
	for _, key := range []string{baseSym, strings.ToUpper(baseSym)} {
		if raw, exists := entry[key]; exists {
			switch v := raw.(type) {
			case json.Number:
				priceStr = v.String()
			case string:
				priceStr = v
			case float64:
				priceStr = strconv.FormatFloat(v, 'f', -1, 64)
			default:
				priceStr = fmt.Sprintf("%v", v)
			}
			break
		}
	}
	priceStr = strings.TrimSpace(priceStr)
	if priceStr == "" {
		return PriceQuote{}, fmt.Errorf("rates: coingecko empty price")
	}
	rat, ok := new(big.Rat).SetString(priceStr)
	if !ok || rat.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("rates: coingecko invalid rate %q", priceStr)
	}
	var ts time.Time
	if rawTs, exists := entry["last_updated_at"]; exists {
		switch v := rawTs.(type) {
		case json.Number:
			if parsed, err := v.Int64(); err == nil && parsed > 0 {
				ts = time.Unix(parsed, 0)
			}
		case float64:
			if v > 0 {
				ts = time.Unix(int64(v), 0)
			}
		}
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return PriceQuote{Rate: rat, Timestamp: ts, Source: "coingecko"}, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ConvertUSDCents converts a USD amount in cents into the crypto token's
// smallest unit using the supplied rate (USD per whole token) and the token's
// decimal count. The quotient is floored; when a positive input converts to
// fewer than minUnit units the result is bumped up to minUnit so payouts
// never fall below the chain's minimum transferable amount. A zero input
// stays zero.
func ConvertUSDCents(cents *big.Int, rate *big.Rat, decimals uint8, minUnit *big.Int) (*big.Int, error) {
	if cents == nil || cents.Sign() < 0 {
		return nil, fmt.Errorf("rates: usd amount must be non-negative")
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("rates: oracle rate must be positive")
	}
	if cents.Sign() == 0 {
		return big.NewInt(0), nil
	}
	usd := new(big.Rat).SetFrac(new(big.Int).Set(cents), big.NewInt(100))
	tokens := new(big.Rat).Quo(usd, rate)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	tokens.Mul(tokens, new(big.Rat).SetInt(scale))
	result := new(big.Int).Quo(tokens.Num(), tokens.Denom())
	if minUnit != nil && minUnit.Sign() > 0 && result.Cmp(minUnit) < 0 {
		result = new(big.Int).Set(minUnit)
	}
	return result, nil
}
