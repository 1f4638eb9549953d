package models

import "time"

type EventType string

const (
	EventPriceUpdate     EventType = "price_update"
	EventSignalsUpdate   EventType = "ai_signals_update"
	EventPortfolioUpdate EventType = "portfolio_update"
	EventTradeExecuted   EventType = "trade_executed"
)

// Event is the outbound envelope fanned out to subscribers.
// symbol routes the event; empty means every subscriber receives it.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	symbol string
}

// Symbol returns the routing symbol, empty for broadcast-to-all events.
func (e Event) Symbol() string { return e.symbol }

// Key identifies which pending event a newer one supersedes.
func (e Event) Key() string { return string(e.Type) + "|" + e.symbol }

// SignalsPayload is the data of an ai_signals_update event.
type SignalsPayload struct {
	Signals []Signal `json:"signals"`
}

func NewPriceUpdate(q Quote, now time.Time) Event {
	return Event{Type: EventPriceUpdate, Data: q, Timestamp: now.UTC(), symbol: q.Symbol}
}

func NewSignalsUpdate(s Signal, now time.Time) Event {
	return Event{
		Type:      EventSignalsUpdate,
		Data:      SignalsPayload{Signals: []Signal{s}},
		Timestamp: now.UTC(),
		symbol:    s.Symbol,
	}
}

func NewPortfolioUpdate(p PortfolioSnapshot, now time.Time) Event {
	return Event{Type: EventPortfolioUpdate, Data: p, Timestamp: now.UTC()}
}

func NewTradeExecuted(t Trade, now time.Time) Event {
	return Event{Type: EventTradeExecuted, Data: t, Timestamp: now.UTC()}
}

// Inbound client message types.
const (
	ClientSubscribe = "subscribe"
	ClientPing      = "ping"
)

// ClientMessage is what a dashboard client may send over the socket.
type ClientMessage struct {
	Type    string   `json:"type" validate:"required,oneof=subscribe ping"`
	Symbols []string `json:"symbols" validate:"omitempty,max=100,dive,required,max=16"`
}

type SubscriptionConfirmed struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type Pong struct {
	Type string `json:"type"`
}

type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSubscriptionConfirmed(symbols []string) SubscriptionConfirmed {
	if symbols == nil {
		symbols = []string{}
	}
	return SubscriptionConfirmed{Type: "subscription_confirmed", Symbols: symbols}
}

func NewPong() Pong { return Pong{Type: "pong"} }

func NewErrorReply(msg string) ErrorReply { return ErrorReply{Type: "error", Message: msg} }
