package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
)

var (
	ErrNotConnected     = errors.New("gateway is not connected")
	ErrNoChainParams    = errors.New("no option chain parameters")
	ErrContractNotFound = errors.New("contract not found")
	ErrUnknownGateway   = errors.New("unknown gateway")
)

var (
	GlobalGatewayRegistry = make(map[entity.GatewayName]entity.Gateway)
)

func RegisterGateway(name entity.GatewayName, gateway entity.Gateway) {
	GlobalGatewayRegistry[name] = gateway
}

// InitGateway builds the gateway selected by ibkr.gateway and registers it.
func InitGateway(cfg config.IBKRConfig) (entity.Gateway, error) {
	name := entity.GatewayName(strings.ToLower(strings.TrimSpace(cfg.Gateway)))
	if name == "" {
		name = entity.GatewayClientPortal
	}

	switch name {
	case entity.GatewayClientPortal:
		return InitClientPortalGateway(ClientPortalConfig{
			BaseURL:            cfg.BaseURL,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			RequestTimeout:     cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
}
