// Package broker defines the gateway contract the engine drives orders
// through, plus the shared error taxonomy, token management and call
// throttling every concrete client needs.
package broker

import "context"

// Broker-side order detail statuses. StatusNotFound is a sentinel value, not
// an error: it is how the broker reports conditional orders it has expired
// out of its book.
const (
	StatusOpen            = "OPEN"
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusCancelled       = "CANCELLED"
	StatusNotFound        = "NOT_FOUND"
)

// OrderRequest describes one order submission.
type OrderRequest struct {
	Symbol       string
	Side         string // db.SideBuy / db.SideSell
	OrderType    string // db.OrderTypeMarket / Limit / LOO / LOC
	Qty          int64
	Price        float64 // ignored for market orders
	Market       string  // db.MarketUS / db.MarketKR
	ExchangeHint string  // e.g. NASD, NYSE; empty for KR
}

// OrderResult is the broker's acceptance of a submission.
type OrderResult struct {
	BrokerOrderID string
}

// CancelRequest identifies an order to cancel.
type CancelRequest struct {
	BrokerOrderID string
	Symbol        string
	Qty           int64
	Market        string
	ExchangeHint  string
}

// DetailRequest identifies an order to look up.
type DetailRequest struct {
	BrokerOrderID string
	Symbol        string
	Market        string
	ExchangeHint  string
}

// OrderDetail is the broker's view of an order's progress.
type OrderDetail struct {
	Status       string // one of the Status* constants
	FilledQty    int64
	AvgFillPrice float64
}

// Holding is one position in the account.
type Holding struct {
	Symbol          string
	Qty             int64
	AvgCost         float64
	CurrentPrice    float64
	ValuationAmount float64
	ReturnRatePct   float64
}

// Quote is a point-in-time price snapshot.
type Quote struct {
	CurrentPrice  float64
	PreviousClose float64
	OpeningPrice  float64
	HighPrice     float64
	LowPrice      float64
}

// OpenOrder is one resting order in the broker's open-order book.
type OpenOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Qty           int64
	UnfilledQty   int64
}

// Gateway is the broker surface the engine consumes. One Gateway is bound to
// one owner's credential set.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, req CancelRequest) error
	GetOrderDetail(ctx context.Context, req DetailRequest) (OrderDetail, error)
	GetHoldings(ctx context.Context) ([]Holding, error)
	GetQuote(ctx context.Context, symbol, exchangeHint string) (Quote, error)
	GetOpenOrders(ctx context.Context, symbol, exchangeHint string) ([]OpenOrder, error)
}
