package connector

import (
	"context"
	"sort"
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBackoff   = 1 * time.Second
	defaultSettleDelay    = 100 * time.Millisecond
)

// DefaultCriticalErrorCodes are gateway error codes meaning the session can no
// longer be used:
//
//	1100 connectivity between IB and TWS lost
//	1101 connectivity restored, market data lost
//	1102 connectivity restored, market data maintained (session was reset)
//	1300 socket port reset
//	2110 connectivity between TWS and server broken
var DefaultCriticalErrorCodes = []int{1100, 1101, 1102, 1300, 2110}

type statusCallbackEntry struct {
	id       entity.StatusCallbackID
	callback entity.StatusCallback
}

type ConnectionManager struct {
	config  entity.ConnectionConfig
	gateway entity.Gateway

	state          entity.ConnectionState
	callbacks      []statusCallbackEntry
	nextCallbackID entity.StatusCallbackID
	criticalCodes  map[int]struct{}

	settleDelay time.Duration
	wait        func(ctx context.Context, d time.Duration) error
}

func NewConnectionManager(gateway entity.Gateway, config entity.ConnectionConfig) *ConnectionManager {
	if config.Timeout <= 0 {
		config.Timeout = defaultConnectTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}

	m := &ConnectionManager{
		config:        config,
		gateway:       gateway,
		state:         entity.ConnectionStateDisconnected,
		criticalCodes: make(map[int]struct{}, len(DefaultCriticalErrorCodes)),
		settleDelay:   defaultSettleDelay,
		wait:          waitWithContext,
	}
	m.AddCriticalErrorCodes(DefaultCriticalErrorCodes...)

	gateway.SetEventHandler(m)

	return m
}

func (m *ConnectionManager) Config() entity.ConnectionConfig {
	return m.config
}

func (m *ConnectionManager) Gateway() entity.Gateway {
	return m.gateway
}

// Connect tries up to MaxAttempts times and reports whether the session ended
// up connected. Failures are logged, never returned.
func (m *ConnectionManager) Connect(ctx context.Context) bool {
	logger := logrus.WithFields(logrus.Fields{
		"host":      m.config.Host,
		"port":      m.config.Port,
		"client_id": m.config.ClientID,
	})

	if m.IsConnected() {
		logger.Info("already connected to IBKR")
		return true
	}

	logger.Infof("connecting to %s:%d (client ID: %d)", m.config.Host, m.config.Port, m.config.ClientID)

	opts := entity.ConnectOptions{
		Host:     m.config.Host,
		Port:     m.config.Port,
		ClientID: m.config.ClientID,
		ReadOnly: m.config.ReadOnly,
		Timeout:  m.config.Timeout,
	}

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		logger.Debugf("connection attempt %d/%d", attempt, m.config.MaxAttempts)
		m.transition(entity.ConnectionStateConnecting)

		err := m.gateway.Connect(ctx, opts)
		if err == nil {
			// let the connected notification through before reading state
			m.gateway.Sleep(m.settleDelay)
			break
		}

		logger.Warnf("connection attempt %d failed: %v", attempt, err)
		if attempt == m.config.MaxAttempts {
			logger.Errorf("failed to connect after %d attempts", m.config.MaxAttempts)
			m.transition(entity.ConnectionStateDisconnected)
			return false
		}

		if err := m.wait(ctx, m.config.RetryBackoff); err != nil {
			logger.Warnf("connect aborted: %v", err)
			m.transition(entity.ConnectionStateDisconnected)
			return false
		}
	}

	if m.state == entity.ConnectionStateConnecting {
		logger.Warn("gateway accepted the connection but no connected notification arrived")
		m.transition(entity.ConnectionStateDisconnected)
	}

	return m.IsConnected()
}

// Disconnect is idempotent and reports true once the session is down.
func (m *ConnectionManager) Disconnect() bool {
	logrus.Info("disconnecting from IBKR")

	if m.gateway.IsConnected() {
		if err := m.gateway.Disconnect(); err != nil {
			logrus.Warnf("disconnect failed: %v", err)
		}
		m.gateway.Sleep(m.settleDelay)
	}

	if !m.gateway.IsConnected() {
		m.transition(entity.ConnectionStateDisconnected)
	}

	return !m.IsConnected()
}

func (m *ConnectionManager) IsConnected() bool {
	return m.state == entity.ConnectionStateConnected
}

func (m *ConnectionManager) State() entity.ConnectionState {
	return m.state
}

// KeepAlive pumps pending gateway notifications once. The caller owns the
// schedule.
func (m *ConnectionManager) KeepAlive() {
	if m.IsConnected() {
		m.gateway.Sleep(0)
	}
}

func (m *ConnectionManager) Close() error {
	if m.IsConnected() || m.gateway.IsConnected() {
		m.Disconnect()
	}
	return nil
}

func (m *ConnectionManager) AddStatusCallback(callback entity.StatusCallback) entity.StatusCallbackID {
	m.nextCallbackID++
	m.callbacks = append(m.callbacks, statusCallbackEntry{id: m.nextCallbackID, callback: callback})
	return m.nextCallbackID
}

func (m *ConnectionManager) RemoveStatusCallback(id entity.StatusCallbackID) {
	for idx, entry := range m.callbacks {
		if entry.id == id {
			m.callbacks = append(m.callbacks[:idx:idx], m.callbacks[idx+1:]...)
			return
		}
	}
}

func (m *ConnectionManager) AddCriticalErrorCodes(codes ...int) {
	for _, code := range codes {
		m.criticalCodes[code] = struct{}{}
	}
}

func (m *ConnectionManager) IsCriticalErrorCode(code int) bool {
	_, ok := m.criticalCodes[code]
	return ok
}

func (m *ConnectionManager) CriticalErrorCodes() []int {
	codes := make([]int, 0, len(m.criticalCodes))
	for code := range m.criticalCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

func (m *ConnectionManager) OnConnected() {
	logrus.Info("connected to IBKR")
	m.transition(entity.ConnectionStateConnected)
}

func (m *ConnectionManager) OnDisconnected() {
	logrus.Info("disconnected from IBKR")
	m.transition(entity.ConnectionStateDisconnected)
}

func (m *ConnectionManager) OnError(reqID int64, code int, message string, contract *entity.Contract) {
	logger := logrus.WithFields(logrus.Fields{
		"req_id": reqID,
		"code":   code,
	})
	if contract != nil {
		logger = logger.WithField("contract", contract.String())
	}
	logger.Errorf("IBKR Error %d: %s", code, message)

	if !m.IsCriticalErrorCode(code) {
		return
	}

	logger.Warn("critical connection error detected")
	m.transition(entity.ConnectionStateDisconnected)
}

// transition is the only place state changes. Observers hear about it when the
// connected flag flips; Connecting counts as not connected.
func (m *ConnectionManager) transition(next entity.ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}

	m.state = next

	logrus.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("connection state changed")

	wasConnected := prev == entity.ConnectionStateConnected
	isConnected := next == entity.ConnectionStateConnected
	if wasConnected == isConnected {
		return
	}

	callbacks := make([]statusCallbackEntry, len(m.callbacks))
	copy(callbacks, m.callbacks)
	for _, entry := range callbacks {
		entry.callback(isConnected)
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
