package domain

// Side сторона сделки
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// Order statuses
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// Strategy источник торгового намерения
type Strategy string

const (
	StrategyGrid    Strategy = "GRID"
	StrategyOverlay Strategy = "OVERLAY"
)

// PrecisionKind вид округления под правила биржи
type PrecisionKind string

const (
	PrecisionPrice  PrecisionKind = "price"
	PrecisionAmount PrecisionKind = "amount"
)

// Kline intervals
const (
	Interval4h = "240"
	Interval1d = "D"
)

// Bybit constants
const (
	BybitCategorySpot   = "spot"
	BybitAccountUnified = "UNIFIED"
	BybitAccountFund    = "FUND"
	BybitRecvWindow     = "5000"
)
