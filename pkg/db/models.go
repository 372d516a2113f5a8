package db

import (
	"time"
)

// Strategy type tags.
const (
	StrategyTypeSplitOrder = "SPLIT_ORDER"
	StrategyTypeLooLoc     = "LOO_LOC"
)

// Strategy statuses.
const (
	StrategyStatusActive   = "ACTIVE"
	StrategyStatusInactive = "INACTIVE"
	StrategyStatusEnded    = "ENDED"
)

// Markets.
const (
	MarketUS = "US"
	MarketKR = "KR"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeLOO    = "LOO" // limit-on-open: fills only in the opening auction
	OrderTypeLOC    = "LOC" // limit-on-close: fills only in the closing auction
)

// Order statuses. Transitions move forward only; the single repair exception
// (CANCELLED back to SUBMITTED when the broker still shows the order open) is
// performed by RepairOrderStatus.
const (
	OrderStatusSubmitted       = "SUBMITTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusFailed          = "FAILED"
)

// Strategy represents a configured strategy row.
type Strategy struct {
	ID             string
	OwnerID        string
	ConnectionID   string
	Type           string
	Status         string
	Symbol         string
	Market         string
	ExchangeHint   string
	Parameters     string // JSON; parse with ParseParams before use
	ValidFrom      time.Time
	ValidUntil     time.Time
	LastExecutedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order represents a brokerage order stored in the DB. Rows are append-only:
// a deleted strategy detaches its orders, it never removes them.
type Order struct {
	ID            string
	StrategyID    string
	OwnerID       string
	BrokerOrderID string
	Symbol        string
	Market        string
	ExchangeHint  string
	Side          string
	OrderType     string
	Qty           int64
	Price         float64
	Status        string
	FilledQty     int64
	AvgFillPrice  float64
	SubmittedAt   time.Time
	FilledAt      time.Time
}

// Open reports whether the order still has a live broker-side state.
func (o *Order) Open() bool {
	return o.Status == OrderStatusSubmitted || o.Status == OrderStatusPartiallyFilled
}

// ExecLog is an audit row for every engine-driven state change.
type ExecLog struct {
	ID         int64
	OwnerID    string
	StrategyID string
	OrderID    string
	Kind       string
	Message    string
	InstanceID string
	CreatedAt  time.Time
}

// Exec-log event kinds.
const (
	LogKindOrderSubmitted  = "ORDER_SUBMITTED"
	LogKindOrderCancelled  = "ORDER_CANCELLED"
	LogKindOrderFilled     = "ORDER_FILLED"
	LogKindOrderPartial    = "ORDER_PARTIAL"
	LogKindOrderFailed     = "ORDER_FAILED"
	LogKindOrderRepaired   = "ORDER_REPAIRED"
	LogKindOrderSwept      = "ORDER_SWEPT"
	LogKindStrategyEnded   = "STRATEGY_ENDED"
	LogKindPositionUpdated = "POSITION_UPDATED"
	LogKindConfigError     = "CONFIG_ERROR"
)

// User represents an application user (the strategy owner).
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Connection represents an owner's KIS credential set. AppKey/AppSecret are
// stored encrypted; decryption happens in the gateway pool.
type Connection struct {
	ID        string
	OwnerID   string
	AccountNo string
	AppKey    string
	AppSecret string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
