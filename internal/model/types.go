package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// MarketSeparator splits a market symbol into its base and quote assets.
const MarketSeparator = "_"

// ErrInvalidMarket indicates a symbol that is not of the form BASE_QUOTE.
var ErrInvalidMarket = errors.New("invalid market symbol")

// Market is a validated BASE_QUOTE trading pair.
type Market struct {
	Symbol string // Full symbol (e.g. "BTC_USDT")
	Base   string // Base asset (e.g. "BTC")
	Quote  string // Quote asset (e.g. "USDT")
}

// ParseMarket validates and splits a market symbol.
// The symbol must contain exactly one separator with non-empty sides.
func ParseMarket(symbol string) (Market, error) {
	base, quote, found := strings.Cut(symbol, MarketSeparator)
	if !found || base == "" || quote == "" || strings.Contains(quote, MarketSeparator) {
		return Market{}, fmt.Errorf("%w: %q", ErrInvalidMarket, symbol)
	}
	return Market{Symbol: symbol, Base: base, Quote: quote}, nil
}

// Assets returns the two asset legs of the market.
func (m Market) Assets() []string {
	return []string{m.Base, m.Quote}
}

// EventKind identifies the class of a realtime event received for an account.
type EventKind string

const (
	// EventOrdersExecuted is an order execution notification.
	EventOrdersExecuted EventKind = "ordersExecuted"

	// EventBalanceUpdate is a spot balance change notification.
	EventBalanceUpdate EventKind = "balanceSpot"
)

// Event is a single realtime notification received on an account's session.
// Params carries the upstream payload untouched; the relay never interprets it.
type Event struct {
	AccountID  int64           // Owning account
	Kind       EventKind       // Declared event class
	Params     json.RawMessage // Raw upstream params, forwarded verbatim
	ReceivedAt time.Time       // Local timestamp when the message was read
}
