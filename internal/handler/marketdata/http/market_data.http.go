package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/krobus00/ibkr-orchestrator/internal/service/marketdata"
	"github.com/shopspring/decimal"
)

const maxGreeksRequestBytes = 1 << 16

type MarketDataService interface {
	GetHistoricalBars(ctx context.Context, req entity.HistoricalBarsRequest) []entity.Bar
	GetOptionChain(ctx context.Context, symbol, exchange string) entity.OptionChainIndex
	GetATMOptions(ctx context.Context, req marketdata.ATMRequest) []entity.OptionContract
	GetOptionGreeks(ctx context.Context, option entity.OptionContract) entity.Greeks
}

type ConnectionStatus interface {
	IsConnected() bool
	State() entity.ConnectionState
	Config() entity.ConnectionConfig
}

type HandlerConfig struct {
	DefaultDays      int
	DefaultOTMOffset int
}

type StatusResponse struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ClientID  int    `json:"client_id"`
}

type BarsResponse struct {
	Symbol string       `json:"symbol"`
	Bars   []entity.Bar `json:"bars"`
}

type OptionChainResponse struct {
	Symbol      string                  `json:"symbol"`
	Exchange    string                  `json:"exchange"`
	Expirations []string                `json:"expirations"`
	Chain       entity.OptionChainIndex `json:"chain"`
}

type ATMOptionsResponse struct {
	Symbol  string                  `json:"symbol"`
	Options []entity.OptionContract `json:"options"`
}

type GreeksRequest struct {
	Symbol     string `json:"symbol"`
	Expiration string `json:"expiration"`
	Strike     string `json:"strike"`
	Right      string `json:"right"`
	Exchange   string `json:"exchange"`
}

type GreeksResponse struct {
	Contract entity.OptionContract `json:"contract"`
	Greeks   entity.Greeks         `json:"greeks"`
}

// Handler exposes the market data service over HTTP. Gateway access is
// serialized through mu, which the keep-alive loop holds as well.
type Handler struct {
	service    MarketDataService
	connection ConnectionStatus
	mu         sync.Locker
	config     HandlerConfig
}

func NewMarketDataHTTPHandler(service MarketDataService, connection ConnectionStatus, mu sync.Locker, config HandlerConfig) *Handler {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if config.DefaultDays <= 0 {
		config.DefaultDays = entity.DefaultHistoricalBarsRequest("").Days
	}
	if config.DefaultOTMOffset < 0 {
		config.DefaultOTMOffset = 0
	}

	return &Handler{
		service:    service,
		connection: connection,
		mu:         mu,
		config:     config,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ibkr/v1/status", h.Status)
	mux.HandleFunc("GET /ibkr/v1/bars", h.HistoricalBars)
	mux.HandleFunc("GET /ibkr/v1/options/chain", h.OptionChain)
	mux.HandleFunc("GET /ibkr/v1/options/atm", h.ATMOptions)
	mux.HandleFunc("POST /ibkr/v1/options/greeks", h.OptionGreeks)
}

// Ready reports whether the gateway session is usable.
func (h *Handler) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connection.IsConnected()
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	state := h.connection.State()
	connected := h.connection.IsConnected()
	h.mu.Unlock()

	cfg := h.connection.Config()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:     state.String(),
		Connected: connected,
		Host:      cfg.Host,
		Port:      cfg.Port,
		ClientID:  cfg.ClientID,
	})
}

func (h *Handler) HistoricalBars(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := normalizeSymbol(query.Get("symbol"))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbol is required"})
		return
	}

	days, err := intParam(query.Get("days"), h.config.DefaultDays)
	if err != nil || days <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "days must be a positive integer"})
		return
	}

	req := entity.DefaultHistoricalBarsRequest(symbol)
	req.Days = days

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureConnected(w) {
		return
	}

	writeJSON(w, http.StatusOK, BarsResponse{
		Symbol: symbol,
		Bars:   h.service.GetHistoricalBars(r.Context(), req),
	})
}

func (h *Handler) OptionChain(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := normalizeSymbol(query.Get("symbol"))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbol is required"})
		return
	}
	exchange := strings.ToUpper(strings.TrimSpace(query.Get("exchange")))
	if exchange == "" {
		exchange = entity.DefaultExchange
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureConnected(w) {
		return
	}

	chain := h.service.GetOptionChain(r.Context(), symbol, exchange)
	writeJSON(w, http.StatusOK, OptionChainResponse{
		Symbol:      symbol,
		Exchange:    exchange,
		Expirations: chain.Expirations(),
		Chain:       chain,
	})
}

func (h *Handler) ATMOptions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := normalizeSymbol(query.Get("symbol"))
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbol is required"})
		return
	}

	side, err := entity.ParseOptionSide(query.Get("side"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	offset, err := intParam(query.Get("otm_offset"), h.config.DefaultOTMOffset)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "otm_offset must be a non-negative integer"})
		return
	}

	expiration := strings.TrimSpace(query.Get("expiration"))
	if expiration != "" {
		if _, err := entity.ParseExpiration(expiration); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expiration must be YYYYMMDD"})
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureConnected(w) {
		return
	}

	writeJSON(w, http.StatusOK, ATMOptionsResponse{
		Symbol: symbol,
		Options: h.service.GetATMOptions(r.Context(), marketdata.ATMRequest{
			Symbol:     symbol,
			Expiration: expiration,
			Side:       side,
			Exchange:   strings.ToUpper(strings.TrimSpace(query.Get("exchange"))),
			OTMOffset:  offset,
		}),
	})
}

func (h *Handler) OptionGreeks(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req GreeksRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGreeksRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	option, err := mapGreeksRequestToOptionContract(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureConnected(w) {
		return
	}

	writeJSON(w, http.StatusOK, GreeksResponse{
		Contract: option,
		Greeks:   h.service.GetOptionGreeks(r.Context(), option),
	})
}

// ensureConnected must be called with mu held.
func (h *Handler) ensureConnected(w http.ResponseWriter) bool {
	if h.connection.IsConnected() {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "gateway not connected"})
	return false
}

type requestError string

func (e requestError) Error() string {
	return string(e)
}

func mapGreeksRequestToOptionContract(req GreeksRequest) (entity.OptionContract, error) {
	symbol := normalizeSymbol(req.Symbol)
	if symbol == "" || strings.TrimSpace(req.Expiration) == "" || strings.TrimSpace(req.Strike) == "" || strings.TrimSpace(req.Right) == "" {
		return entity.OptionContract{}, requestError("missing required fields")
	}

	expiration, err := entity.ParseExpiration(strings.TrimSpace(req.Expiration))
	if err != nil {
		return entity.OptionContract{}, requestError("expiration must be YYYYMMDD")
	}

	strike, err := decimal.NewFromString(strings.TrimSpace(req.Strike))
	if err != nil || !strike.IsPositive() {
		return entity.OptionContract{}, requestError("strike must be a positive decimal")
	}

	var right entity.OptionRight
	switch strings.ToUpper(strings.TrimSpace(req.Right)) {
	case "C", "CALL":
		right = entity.OptionRightCall
	case "P", "PUT":
		right = entity.OptionRightPut
	default:
		return entity.OptionContract{}, requestError("right must be C or P")
	}

	exchange := strings.ToUpper(strings.TrimSpace(req.Exchange))
	if exchange == "" {
		exchange = entity.DefaultExchange
	}

	return entity.NewOptionContract(symbol, expiration, strike, right, exchange), nil
}

func normalizeSymbol(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
