package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings in the asset's smallest unit.

// ==============================
// REST Request Types
// ==============================

// TransferRequest is the body of deposits and withdrawals. Asset is
// ignored by POST /deposits/native.
type TransferRequest struct {
	Asset  string `json:"asset"`  // token address, or "native"
	Amount string `json:"amount"` // decimal or 0x hex
}

// MakeOrderRequest is the body of POST /api/v1/orders
type MakeOrderRequest struct {
	AssetBuy   string `json:"assetBuy"`
	AssetSell  string `json:"assetSell"`
	AmountBuy  string `json:"amountBuy"`
	AmountSell string `json:"amountSell"`
}

// ==============================
// REST Response Types
// ==============================

type BalanceResponse struct {
	Asset   asset.ID       `json:"asset"`
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

// OrderInfo is an order with its derived status
type OrderInfo struct {
	ID         uint64          `json:"id"`
	Maker      common.Address  `json:"maker"`
	AssetBuy   asset.ID        `json:"assetBuy"`
	AssetSell  asset.ID        `json:"assetSell"`
	AmountBuy  *uint256.Int    `json:"amountBuy"`
	AmountSell *uint256.Int    `json:"amountSell"`
	Status     string          `json:"status"` // "open", "filled", "cancelled"
	Taker      *common.Address `json:"taker,omitempty"`
	CreatedAt  int64           `json:"createdAt"`          // Unix milliseconds
	ClosedAt   int64           `json:"closedAt,omitempty"` // Unix milliseconds
}

func toOrderInfo(o *orderbook.Order) OrderInfo {
	info := OrderInfo{
		ID:         o.ID,
		Maker:      o.Maker,
		AssetBuy:   o.AssetBuy,
		AssetSell:  o.AssetSell,
		AmountBuy:  o.AmountBuy,
		AmountSell: o.AmountSell,
		Status:     o.Status().String(),
		CreatedAt:  o.CreatedAt.UnixMilli(),
	}
	if !o.IsOpen() {
		info.ClosedAt = o.ClosedAt.UnixMilli()
	}
	if o.Filled {
		taker := o.Taker
		info.Taker = &taker
	}
	return info
}

func toOrderInfos(orders []*orderbook.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = toOrderInfo(o)
	}
	return out
}

type TradeResponse struct {
	Order       OrderInfo      `json:"order"`
	Taker       common.Address `json:"taker"`
	Fee         *uint256.Int   `json:"fee"`
	FeeReceiver common.Address `json:"feeReceiver"`
}

func toTradeResponse(tr *settlement.Trade) TradeResponse {
	return TradeResponse{
		Order:       toOrderInfo(tr.Order),
		Taker:       tr.Taker,
		Fee:         tr.Fee,
		FeeReceiver: tr.FeeReceiver,
	}
}

type NonceResponse struct {
	Nonce uint64 `json:"nonce"` // id of the most recent order
}

type EventsResponse struct {
	Events  []events.Event `json:"events"`
	LastSeq uint64         `json:"lastSeq"`
}

type HealthResponse struct {
	Status  string `json:"status"` // "ok" or "halted"
	LastSeq uint64 `json:"lastSeq"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorResponse is returned for all errors. Error is a stable code such as
// "order_not_found"; Message is human-readable.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage carries one audit-log event to a subscribed channel
type WSMessage struct {
	Type    string       `json:"type"` // "event"
	Channel string       `json:"channel"`
	Data    events.Event `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "events", "trades", "orders", "account:0x..."
	// Since, when set on subscribe, replays stored events with a greater
	// sequence number before live ones, each exactly once.
	Since *uint64 `json:"since,omitempty"`
}

// WSAck answers every subscribe/unsubscribe
type WSAck struct {
	Type     string   `json:"type"` // "subscribed", "backfill", "unsubscribed", "error"
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`
	// More is set on a "backfill" ack: the channels are not live yet and
	// the client should subscribe again with since=Next.
	More bool   `json:"more,omitempty"`
	Next uint64 `json:"next,omitempty"`
	At   int64  `json:"at"`
}

func newAck(kind string, channels []string, msg string) WSAck {
	return WSAck{Type: kind, Channels: channels, Message: msg, At: time.Now().UnixMilli()}
}
