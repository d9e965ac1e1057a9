package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/krobus00/ibkr-orchestrator/internal/service/marketdata"
	"github.com/shopspring/decimal"
)

type fakeService struct {
	barsReq   entity.HistoricalBarsRequest
	atmReq    marketdata.ATMRequest
	chainArgs [2]string
	greeksFor entity.OptionContract

	bars   []entity.Bar
	chain  entity.OptionChainIndex
	atm    []entity.OptionContract
	greeks entity.Greeks
}

func (s *fakeService) GetHistoricalBars(_ context.Context, req entity.HistoricalBarsRequest) []entity.Bar {
	s.barsReq = req
	return s.bars
}

func (s *fakeService) GetOptionChain(_ context.Context, symbol, exchange string) entity.OptionChainIndex {
	s.chainArgs = [2]string{symbol, exchange}
	return s.chain
}

func (s *fakeService) GetATMOptions(_ context.Context, req marketdata.ATMRequest) []entity.OptionContract {
	s.atmReq = req
	return s.atm
}

func (s *fakeService) GetOptionGreeks(_ context.Context, option entity.OptionContract) entity.Greeks {
	s.greeksFor = option
	return s.greeks
}

type fakeConnection struct {
	connected bool
}

func (c *fakeConnection) IsConnected() bool { return c.connected }

func (c *fakeConnection) State() entity.ConnectionState {
	if c.connected {
		return entity.ConnectionStateConnected
	}
	return entity.ConnectionStateDisconnected
}

func (c *fakeConnection) Config() entity.ConnectionConfig {
	return entity.ConnectionConfig{Host: "127.0.0.1", Port: 4002, ClientID: 7}
}

func newTestServer(t *testing.T, svc *fakeService, conn *fakeConnection) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	NewMarketDataHTTPHandler(svc, conn, &sync.Mutex{}, HandlerConfig{DefaultDays: 60, DefaultOTMOffset: 1}).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandler_Status(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var body StatusResponse
	decodeBody(t, resp, &body)
	if !body.Connected || body.State != "CONNECTED" || body.Port != 4002 || body.ClientID != 7 {
		t.Fatalf("unexpected status %+v", body)
	}
}

func TestHandler_HistoricalBars(t *testing.T) {
	svc := &fakeService{bars: []entity.Bar{{
		RawBar:      entity.RawBar{Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Open: 10, Close: 11},
		GreenCandle: true,
		SMA50:       null.FloatFrom(10.5),
	}}}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/bars?symbol=spy&days=30")
	if err != nil {
		t.Fatalf("get bars: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body BarsResponse
	decodeBody(t, resp, &body)
	if body.Symbol != "SPY" || len(body.Bars) != 1 || !body.Bars[0].GreenCandle {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.barsReq.Symbol != "SPY" || svc.barsReq.Days != 30 || svc.barsReq.BarSize != "1 day" {
		t.Fatalf("unexpected request %+v", svc.barsReq)
	}
}

func TestHandler_HistoricalBarsDefaultsDays(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/bars?symbol=SPY")
	if err != nil {
		t.Fatalf("get bars: %v", err)
	}
	resp.Body.Close()
	if svc.barsReq.Days != 60 {
		t.Fatalf("expected default days 60, got %d", svc.barsReq.Days)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &fakeConnection{connected: true})

	paths := []string{
		"/ibkr/v1/bars",
		"/ibkr/v1/bars?symbol=SPY&days=-1",
		"/ibkr/v1/bars?symbol=SPY&days=abc",
		"/ibkr/v1/options/chain",
		"/ibkr/v1/options/atm?symbol=SPY&side=straddle",
		"/ibkr/v1/options/atm?symbol=SPY&otm_offset=-2",
		"/ibkr/v1/options/atm?symbol=SPY&expiration=2026-02-20",
	}

	for _, path := range paths {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var body map[string]any
		decodeBody(t, resp, &body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
		if body["error"] == "" || body["error"] == nil {
			t.Fatalf("%s: expected error message", path)
		}
	}
}

func TestHandler_NotConnected(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &fakeConnection{connected: false})

	resp, err := http.Get(srv.URL + "/ibkr/v1/options/chain?symbol=SPY")
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHandler_OptionChain(t *testing.T) {
	exp := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	svc := &fakeService{chain: entity.OptionChainIndex{
		"20260220": {
			entity.NewOptionContract("SPY", exp, decimal.NewFromInt(100), entity.OptionRightCall, "SMART"),
			entity.NewOptionContract("SPY", exp, decimal.NewFromInt(100), entity.OptionRightPut, "SMART"),
		},
	}}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/options/chain?symbol=SPY")
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}

	var body OptionChainResponse
	decodeBody(t, resp, &body)
	if svc.chainArgs != [2]string{"SPY", entity.DefaultExchange} {
		t.Fatalf("unexpected args %v", svc.chainArgs)
	}
	if len(body.Expirations) != 1 || body.Expirations[0] != "20260220" || len(body.Chain["20260220"]) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestHandler_ATMOptions(t *testing.T) {
	svc := &fakeService{atm: []entity.OptionContract{}}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/options/atm?symbol=qqq&side=put&otm_offset=2&expiration=20260220")
	if err != nil {
		t.Fatalf("get atm: %v", err)
	}

	var body ATMOptionsResponse
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.Symbol != "QQQ" || body.Options == nil {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, body)
	}

	want := marketdata.ATMRequest{Symbol: "QQQ", Expiration: "20260220", Side: entity.OptionSidePut, OTMOffset: 2}
	if svc.atmReq != want {
		t.Fatalf("unexpected request %+v", svc.atmReq)
	}
}

func TestHandler_ATMOptionsDefaults(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/options/atm?symbol=SPY")
	if err != nil {
		t.Fatalf("get atm: %v", err)
	}
	resp.Body.Close()

	if svc.atmReq.Side != entity.OptionSideBoth || svc.atmReq.OTMOffset != 1 {
		t.Fatalf("unexpected defaults %+v", svc.atmReq)
	}
}

func TestHandler_OptionGreeks(t *testing.T) {
	svc := &fakeService{greeks: entity.Greeks{Delta: null.FloatFrom(0.52), ImpliedVol: null.FloatFrom(0.25)}}
	srv := newTestServer(t, svc, &fakeConnection{connected: true})

	payload := `{"symbol":"spy","expiration":"20260220","strike":"120.5","right":"call"}`
	resp, err := http.Post(srv.URL+"/ibkr/v1/options/greeks", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("post greeks: %v", err)
	}

	var body GreeksResponse
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Greeks.Delta.Float64 != 0.52 || body.Greeks.Gamma.Valid {
		t.Fatalf("unexpected greeks %+v", body.Greeks)
	}

	got := svc.greeksFor
	if got.Symbol != "SPY" || got.Right != entity.OptionRightCall || !got.Strike.Equal(decimal.RequireFromString("120.5")) {
		t.Fatalf("unexpected contract %+v", got)
	}
	if got.ExpirationString() != "20260220" || got.Exchange != entity.DefaultExchange {
		t.Fatalf("unexpected contract %+v", got)
	}
}

func TestHandler_OptionGreeksInvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &fakeConnection{connected: true})

	bodies := []string{
		`not json`,
		`{"symbol":"SPY"}`,
		`{"symbol":"SPY","expiration":"20260220","strike":"-1","right":"C"}`,
		`{"symbol":"SPY","expiration":"20260220","strike":"100","right":"X"}`,
	}

	for _, payload := range bodies {
		resp, err := http.Post(srv.URL+"/ibkr/v1/options/greeks", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("post greeks: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", payload, resp.StatusCode)
		}
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeService{}, &fakeConnection{connected: true})

	resp, err := http.Get(srv.URL + "/ibkr/v1/options/greeks")
	if err != nil {
		t.Fatalf("get greeks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
