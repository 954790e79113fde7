package api

import (
	"github.com/uhyunpark/perpcore/pkg/events"
)

// API request and response types for REST endpoints and WebSocket messages
// Amounts travel as base-unit decimal strings ("1000000000000000000" = 1 ETH)

// ==============================
// REST Request Types
// ==============================

// OrderPayload is the order exactly as the owner signed it (EIP-712 "Order")
type OrderPayload struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"` // "" or zero address = native
	Market       string `json:"market"`
	IsLong       bool   `json:"isLong"`
	OrderType    string `json:"orderType"` // "market", "limit", "stop"
	IsReduceOnly bool   `json:"isReduceOnly"`
	Margin       string `json:"margin"`
	Size         string `json:"size"`
	Price        string `json:"price,omitempty"`
	TakeProfit   string `json:"takeProfit,omitempty"`
	StopLoss     string `json:"stopLoss,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	Nonce        uint64 `json:"nonce"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders
// Value is the native amount sent with the order, drawn from the owner's deposit
type SubmitOrderRequest struct {
	Order     OrderPayload `json:"order"`
	Value     string       `json:"value,omitempty"`
	Signature string       `json:"signature"` // 0x-prefixed 65 bytes
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	Owner     string `json:"owner"`
	OrderID   uint64 `json:"orderId"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status       string         `json:"status"` // "resting", "executed"
	OrderID      uint64         `json:"orderId"`
	TakeProfitID uint64         `json:"takeProfitId,omitempty"`
	StopLossID   uint64         `json:"stopLossId,omitempty"`
	Fee          string         `json:"fee"`
	Escrowed     string         `json:"escrowed"`
	Refund       string         `json:"refund"`
	Execution    *ExecutionInfo `json:"execution,omitempty"`
}

// ExecutionInfo describes one fill
type ExecutionInfo struct {
	OrderID   uint64        `json:"orderId"`
	Price     string        `json:"price"`
	Fee       string        `json:"fee"`
	PnL       string        `json:"pnl"`
	Funding   string        `json:"funding"`
	Position  *PositionInfo `json:"position,omitempty"` // nil once closed
	Cancelled uint64        `json:"cancelled,omitempty"`
}

// LiquidationInfo describes a forced close
type LiquidationInfo struct {
	User      string   `json:"user"`
	Asset     string   `json:"asset"`
	Market    string   `json:"market"`
	Price     string   `json:"price"`
	Margin    string   `json:"margin"`
	PnL       string   `json:"pnl"`
	Funding   string   `json:"funding"`
	Reward    string   `json:"reward"`
	Cancelled []uint64 `json:"cancelled,omitempty"`
}

// MarketInfo is a market's parameters plus its derived status
type MarketInfo struct {
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Status        string `json:"status"` // "Active", "ReduceOnly", "Closed"
	MaxLeverage   int64  `json:"maxLeverage"`
	FeeBps        int64  `json:"feeBps"`
	LiqThreshold  int64  `json:"liqThreshold"`
	FundingFactor int64  `json:"fundingFactor"`
	MinOrderAge   int64  `json:"minOrderAge"`
	PriceMaxAge   int64  `json:"priceMaxAge"`
	OpenLong      string `json:"openLong"`
	OpenShort     string `json:"openShort"`
}

// FundingInfo is the cumulative funding index of a market
type FundingInfo struct {
	Market     string `json:"market"`
	Index      string `json:"index"`
	LastUpdate int64  `json:"lastUpdate"`
}

// OrderInfo represents a resting order
type OrderInfo struct {
	ID            uint64 `json:"id"`
	User          string `json:"user"`
	Asset         string `json:"asset"`
	Market        string `json:"market"`
	Side          string `json:"side"` // "long" or "short"
	Type          string `json:"type"`
	IsReduceOnly  bool   `json:"isReduceOnly"`
	Margin        string `json:"margin"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	Fee           string `json:"fee"`
	Timestamp     int64  `json:"timestamp"`
	Expiry        int64  `json:"expiry,omitempty"`
	CancelOrderID uint64 `json:"cancelOrderId,omitempty"`
}

// OrderPage is one page of resting orders; Next is 0 on the last page
type OrderPage struct {
	Orders []OrderInfo `json:"orders"`
	Next   uint64      `json:"next,omitempty"`
}

// PositionInfo represents an open position
type PositionInfo struct {
	User           string `json:"user"`
	Asset          string `json:"asset"`
	Market         string `json:"market"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	Margin         string `json:"margin"`
	EntryPrice     string `json:"entryPrice"`
	Leverage       int64  `json:"leverage"`
	FundingTracker string `json:"fundingTracker"`
	Timestamp      int64  `json:"timestamp"`
}

// BalanceInfo is a vault balance of one asset
type BalanceInfo struct {
	Asset    string `json:"asset"`
	Symbol   string `json:"symbol"`
	Free     string `json:"free"`
	Escrowed string `json:"escrowed"`
}

// DepositRequest credits free collateral; asset "" is the native coin
type DepositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// PriceRequest publishes an oracle quote (18 decimals)
type PriceRequest struct {
	Feed      string `json:"feed"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StatusInfo is returned by the admin pause toggles
type StatusInfo struct {
	Paused      bool   `json:"paused"`
	LastOrderID uint64 `json:"lastOrderId"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Class   string `json:"class,omitempty"` // validation, deferral, terminal, invariant
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed event
type WSMessage struct {
	Channel string       `json:"channel"`
	Event   events.Event `json:"event"`
}

// WSError reports a rejected websocket request to that client only
type WSError struct {
	Error string `json:"error"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders:ETH-USD", "positions:0x...", "funding:ETH-USD"]
}
