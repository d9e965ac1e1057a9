package entity

import (
	"context"
	"time"
)

type ConnectOptions struct {
	Host     string
	Port     int
	ClientID int
	ReadOnly bool
	Timeout  time.Duration
}

// EventHandler receives asynchronous gateway notifications. Implementations are
// invoked on the goroutine that pumps the gateway (see Gateway.Sleep).
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnError(reqID int64, code int, message string, contract *Contract)
}

// Gateway is the upstream brokerage session. Notifications are only delivered
// while the caller is inside Connect, Disconnect or Sleep.
type Gateway interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error
	IsConnected() bool
	Sleep(d time.Duration)
	SetEventHandler(handler EventHandler)

	HistoricalBars(ctx context.Context, contract Contract, req HistoricalBarsRequest) ([]RawBar, error)
	OptionChainParams(ctx context.Context, symbol string) ([]OptionChainParams, error)
	RequestQuote(ctx context.Context, contract Contract) (*Ticker, error)
	CancelQuote(contract Contract) error
}

type GatewayName string

const (
	GatewayClientPortal GatewayName = "clientportal"
)
