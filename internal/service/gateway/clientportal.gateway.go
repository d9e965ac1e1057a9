package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	clientPortalDefaultRequestTimeout = 15 * time.Second
	clientPortalHandshakeTimeout      = 15 * time.Second
	clientPortalWriteWait             = 10 * time.Second
	clientPortalTicInterval           = 55 * time.Second
	clientPortalEventBuffer           = 1024

	clientPortalConnectivityLostCode = 1100
)

type ClientPortalConfig struct {
	// BaseURL is the REST root, e.g. https://localhost:5000/v1/api. Empty means
	// derive it from the connect host and port.
	BaseURL            string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
}

type clientPortalEventKind int

const (
	clientPortalEventConnected clientPortalEventKind = iota
	clientPortalEventDisconnected
	clientPortalEventError
	clientPortalEventTick
)

type clientPortalEvent struct {
	kind    clientPortalEventKind
	session uint64
	code    int
	message string
	conID   int64
	fields  map[string]any
}

// ClientPortalGateway talks to the IBKR Client Portal gateway. REST calls are
// synchronous; websocket traffic is read on a background goroutine and only
// queued there. Queued events reach the EventHandler inside Sleep.
type ClientPortalGateway struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer

	handler entity.EventHandler
	events  chan clientPortalEvent

	mu        sync.Mutex
	apiURL    string
	connected bool
	session   uint64
	conn      *websocket.Conn
	done      chan struct{}
	writeMu   sync.Mutex

	// caller goroutine only
	tickers     map[int64]*entity.Ticker
	quoteConIDs map[string]int64
	underlyings map[string]clientPortalSearchResult
}

func NewClientPortalGateway(cfg ClientPortalConfig) *ClientPortalGateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = clientPortalDefaultRequestTimeout
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	return &ClientPortalGateway{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: clientPortalHandshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		events:      make(chan clientPortalEvent, clientPortalEventBuffer),
		tickers:     make(map[int64]*entity.Ticker),
		quoteConIDs: make(map[string]int64),
		underlyings: make(map[string]clientPortalSearchResult),
	}
}

func InitClientPortalGateway(cfg ClientPortalConfig) *ClientPortalGateway {
	gw := NewClientPortalGateway(cfg)

	RegisterGateway(entity.GatewayClientPortal, gw)

	return gw
}

func (g *ClientPortalGateway) SetEventHandler(handler entity.EventHandler) {
	g.handler = handler
}

// Connect opens a new session. A session that is still open is replaced: the
// caller only reconnects once it stopped trusting the current one, e.g. after
// a critical error.
func (g *ClientPortalGateway) Connect(ctx context.Context, opts entity.ConnectOptions) error {
	if _, _, replaced := g.teardown(); replaced {
		g.resetSubscriptions()
		logrus.Info("replacing existing client portal session")
	}

	apiURL := g.baseURL
	if apiURL == "" {
		apiURL = fmt.Sprintf("https://%s:%d/v1/api", opts.Host, opts.Port)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var status clientPortalAuthStatus
	if err := g.doJSON(ctx, http.MethodPost, apiURL+"/iserver/auth/status", nil, &status); err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if !status.Authenticated || !status.Connected {
		return fmt.Errorf("client portal session is not authenticated: %s", status.Message)
	}
	if status.Competing {
		return fmt.Errorf("client portal session is competing with another login")
	}

	var tickle clientPortalTickleResponse
	if err := g.doJSON(ctx, http.MethodPost, apiURL+"/tickle", nil, &tickle); err != nil {
		return fmt.Errorf("tickle: %w", err)
	}

	wsURL, err := clientPortalWebsocketURL(apiURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if tickle.Session != "" {
		header.Set("Cookie", "api="+tickle.Session)
	}

	conn, _, err := g.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial client portal ws: %w", err)
	}

	done := make(chan struct{})

	g.mu.Lock()
	g.session++
	session := g.session
	g.apiURL = apiURL
	g.conn = conn
	g.done = done
	g.connected = true
	g.mu.Unlock()

	go g.readLoop(conn, done, session)
	go g.ticLoop(conn, done)

	logrus.WithFields(logrus.Fields{
		"api_url":   apiURL,
		"client_id": opts.ClientID,
		"readonly":  opts.ReadOnly,
	}).Info("client portal session established")

	g.enqueue(clientPortalEvent{kind: clientPortalEventConnected, session: session})

	return nil
}

func (g *ClientPortalGateway) Disconnect() error {
	apiURL, session, wasConnected := g.teardown()
	if !wasConnected {
		return nil
	}

	g.resetSubscriptions()

	ctx, cancel := context.WithTimeout(context.Background(), g.httpClient.Timeout)
	defer cancel()
	if err := g.doJSON(ctx, http.MethodPost, apiURL+"/logout", nil, nil); err != nil {
		logrus.Warnf("client portal logout failed: %v", err)
	}

	g.enqueue(clientPortalEvent{kind: clientPortalEventDisconnected, session: session})

	return nil
}

func (g *ClientPortalGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Sleep dispatches queued events for up to d. A non-positive d drains what is
// already queued and returns.
func (g *ClientPortalGateway) Sleep(d time.Duration) {
	g.drain()
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case ev := <-g.events:
			g.dispatch(ev)
		case <-timer.C:
			g.drain()
			return
		}
	}
}

func (g *ClientPortalGateway) drain() {
	for {
		select {
		case ev := <-g.events:
			g.dispatch(ev)
		default:
			return
		}
	}
}

func (g *ClientPortalGateway) dispatch(ev clientPortalEvent) {
	g.mu.Lock()
	current := g.session
	g.mu.Unlock()

	if ev.session != current {
		return
	}

	switch ev.kind {
	case clientPortalEventConnected:
		if g.handler != nil {
			g.handler.OnConnected()
		}
	case clientPortalEventDisconnected:
		g.teardown()
		g.resetSubscriptions()
		if g.handler != nil {
			g.handler.OnDisconnected()
		}
	case clientPortalEventError:
		if g.handler != nil {
			g.handler.OnError(-1, ev.code, ev.message, nil)
		}
	case clientPortalEventTick:
		ticker, ok := g.tickers[ev.conID]
		if !ok {
			return
		}
		applyClientPortalFields(ticker, ev.fields)
	}
}

func (g *ClientPortalGateway) enqueue(ev clientPortalEvent) {
	select {
	case g.events <- ev:
	default:
		logrus.WithField("kind", ev.kind).Warn("client portal event buffer is full, dropping event")
	}
}

// teardown closes the socket if the session is up and returns the api url and
// session it belonged to.
func (g *ClientPortalGateway) teardown() (string, uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return g.apiURL, g.session, false
	}

	g.connected = false
	close(g.done)

	g.writeMu.Lock()
	_ = g.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(clientPortalWriteWait),
	)
	g.writeMu.Unlock()
	_ = g.conn.Close()

	g.conn = nil
	g.done = nil

	return g.apiURL, g.session, true
}

func (g *ClientPortalGateway) resetSubscriptions() {
	clear(g.tickers)
	clear(g.quoteConIDs)
}

func (g *ClientPortalGateway) readLoop(conn *websocket.Conn, done chan struct{}, session uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}

			logrus.Errorf("client portal ws read failed: %v", err)
			g.enqueue(clientPortalEvent{kind: clientPortalEventDisconnected, session: session})
			return
		}

		ev, ok := parseClientPortalMessage(message)
		if !ok {
			continue
		}
		ev.session = session
		g.enqueue(ev)
	}
}

// ticLoop keeps the websocket session alive.
func (g *ClientPortalGateway) ticLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(clientPortalTicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.writeText(conn, "tic"); err != nil {
				logrus.Warnf("client portal ws tic failed: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}

func (g *ClientPortalGateway) writeText(conn *websocket.Conn, message string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(clientPortalWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (g *ClientPortalGateway) activeConn() (*websocket.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected || g.conn == nil {
		return nil, ErrNotConnected
	}
	return g.conn, nil
}

func (g *ClientPortalGateway) endpoint(path string, query url.Values) (string, error) {
	g.mu.Lock()
	apiURL := g.apiURL
	connected := g.connected
	g.mu.Unlock()

	if !connected {
		return "", ErrNotConnected
	}

	endpoint := apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint, nil
}

func (g *ClientPortalGateway) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint, err := g.endpoint(path, query)
	if err != nil {
		return err
	}
	return g.doJSON(ctx, http.MethodGet, endpoint, nil, out)
}

func (g *ClientPortalGateway) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ibkr-orchestrator")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("client portal request failed: method=%s path=%s status=%d body=%s", method, req.URL.Path, resp.StatusCode, string(raw))
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client portal parse failed: path=%s status=%d body=%s: %w", req.URL.Path, resp.StatusCode, string(raw), err)
	}

	return nil
}

func clientPortalWebsocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid client portal url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid client portal url scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}
