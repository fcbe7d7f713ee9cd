// Package httpapi exposes the trading core over a small JSON REST API: order
// submission and cancellation, portfolio and order queries, quotes, and the
// admin settlement hook.
package httpapi

import (
	"papertrade/internal/domain"
	"papertrade/internal/engine"
	"papertrade/internal/trade"
)

// SubmitOrderRequest is the body of POST /api/orders.
type SubmitOrderRequest struct {
	UserID   string `json:"userId"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Kind     string `json:"kind"`
	Quantity int64  `json:"quantity"`
	Trigger  string `json:"trigger,omitempty"` // decimal string; unused for market orders
}

// OrderJSON is the JSON representation of an order.
type OrderJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Kind      string `json:"kind"`
	Quantity  int64  `json:"quantity"`
	Trigger   string `json:"trigger,omitempty"`
	Reserved  string `json:"reserved,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ClosedAt  int64  `json:"closedAt,omitempty"`
}

// TradeJSON is the JSON representation of an executed trade.
type TradeJSON struct {
	ID         string `json:"id"`
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   int64  `json:"quantity"`
	Fees       string `json:"fees"`
	ExecutedAt int64  `json:"executedAt"`
}

// SubmitOrderResponse reports the placed order and, when the order was
// immediately marketable, the fill result.
type SubmitOrderResponse struct {
	Order   OrderJSON  `json:"order"`
	Outcome string     `json:"outcome,omitempty"`
	Trade   *TradeJSON `json:"trade,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// PositionJSON is the JSON representation of a position.
type PositionJSON struct {
	Symbol    string `json:"symbol"`
	Quantity  int64  `json:"quantity"`
	Settled   int64  `json:"settled"`
	Unsettled int64  `json:"unsettled"`
	AvgCost   string `json:"avgCost"`
}

// PortfolioResponse is the body of GET /api/portfolio/{user}.
type PortfolioResponse struct {
	UserID        string         `json:"userId"`
	Balance       string         `json:"balance"`
	MarketValue   string         `json:"marketValue"`
	TotalAssets   string         `json:"totalAssets"`
	UnrealizedPnL string         `json:"unrealizedPnl"`
	Positions     []PositionJSON `json:"positions"`
	PendingOrders []OrderJSON    `json:"pendingOrders"`
}

// OrdersResponse is the body of GET /api/orders.
type OrdersResponse struct {
	Orders []OrderJSON `json:"orders"`
}

// QuoteJSON is the body of GET /api/quote/{symbol}.
type QuoteJSON struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	PrevClose string `json:"prevClose,omitempty"`
	Session   string `json:"session"`
	AsOf      int64  `json:"asOf"`
}

// SettleResponse is the body of POST /api/admin/settle.
type SettleResponse struct {
	Day string `json:"day"`
}

func convertOrder(o *domain.Order) OrderJSON {
	out := OrderJSON{
		ID:        o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Kind:      string(o.Kind),
		Quantity:  o.Quantity,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt.UnixMilli(),
	}
	if !o.Trigger.IsZero() {
		out.Trigger = o.Trigger.String()
	}
	if !o.Reserved.IsZero() {
		out.Reserved = o.Reserved.String()
	}
	if !o.ClosedAt.IsZero() {
		out.ClosedAt = o.ClosedAt.UnixMilli()
	}
	return out
}

func convertTrade(tr *domain.Trade) *TradeJSON {
	if tr == nil {
		return nil
	}
	return &TradeJSON{
		ID:         tr.ID,
		OrderID:    tr.OrderID,
		Symbol:     tr.Symbol,
		Side:       string(tr.Side),
		Price:      tr.Price.String(),
		Quantity:   tr.Quantity,
		Fees:       tr.Fees.String(),
		ExecutedAt: tr.ExecutedAt.UnixMilli(),
	}
}

func convertSubmit(order *domain.Order, res *engine.FillResult) SubmitOrderResponse {
	resp := SubmitOrderResponse{Order: convertOrder(order)}
	if res != nil {
		resp.Outcome = string(res.Outcome)
		resp.Trade = convertTrade(res.Trade)
		if res.Reason != nil {
			resp.Reason = res.Reason.Error()
		}
	}
	return resp
}

func convertPortfolio(pf *trade.Portfolio) PortfolioResponse {
	resp := PortfolioResponse{
		UserID:        pf.Account.UserID,
		Balance:       pf.Account.Balance.String(),
		MarketValue:   pf.MarketValue.String(),
		TotalAssets:   pf.TotalAssets.String(),
		UnrealizedPnL: pf.UnrealizedPnL.String(),
		Positions:     []PositionJSON{},
		PendingOrders: []OrderJSON{},
	}
	for _, pos := range pf.Account.Positions {
		resp.Positions = append(resp.Positions, PositionJSON{
			Symbol:    pos.Symbol,
			Quantity:  pos.Quantity,
			Settled:   pos.Settled,
			Unsettled: pos.Unsettled,
			AvgCost:   pos.AvgCost.String(),
		})
	}
	for _, o := range pf.PendingOrders {
		resp.PendingOrders = append(resp.PendingOrders, convertOrder(o))
	}
	return resp
}
