package models

// Requests for the HTTP API, bound and validated by pkg/http.

type SymbolRequest struct {
	Symbol string `param:"symbol" validate:"required,max=16"`
}

type BarsRequest struct {
	Symbol   string `param:"symbol" validate:"required,max=16"`
	Lookback int    `query:"lookback" default:"120" validate:"gte=1,lte=1000"`
}

type TradeRequest struct {
	Symbol   string  `json:"symbol" validate:"required,max=16"`
	Side     string  `json:"side" validate:"required,oneof=buy sell"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
}

type TradesRequest struct {
	Limit int `query:"limit" default:"50" validate:"gte=1,lte=500"`
}

type ToggleTradingRequest struct {
	Active *bool `json:"active"`
}

type ChatRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
	Symbol  string `json:"symbol" validate:"omitempty,max=16"`
}
