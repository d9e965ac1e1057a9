package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/krobus00/ibkr-orchestrator/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	defaultNatsMaxRetries    = 10
	defaultNatsBackoffFactor = 2.0
	defaultNatsMinJitter     = 100 * time.Millisecond
	defaultNatsMaxJitter     = 2 * time.Second

	natsConnectTimeout    = 5 * time.Second
	natsDrainTimeout      = 10 * time.Second
	natsPingInterval      = 30 * time.Second
	natsMaxPingsOut       = 3
	jetstreamMaxWait      = 5 * time.Second
	jetstreamMaxAsyncPubs = 256
)

var ErrNatsURLRequired = errors.New("nats jetstream url is required")

// StreamManager is the part of nats.JetStreamContext used to provision streams.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// natsReconnectPolicy is exponential backoff from minJitter, capped at
// maxJitter, with random jitter inside that window.
type natsReconnectPolicy struct {
	maxRetries int
	factor     float64
	minJitter  time.Duration
	maxJitter  time.Duration
}

func newNatsReconnectPolicy(cfg config.NatsJetstreamConfig) natsReconnectPolicy {
	policy := natsReconnectPolicy{
		maxRetries: cfg.MaxRetries,
		factor:     cfg.ReconnectFactor,
		minJitter:  cfg.MinJitter,
		maxJitter:  cfg.MaxJitter,
	}

	if policy.maxRetries <= 0 {
		policy.maxRetries = defaultNatsMaxRetries
	}
	if policy.factor < 1 {
		policy.factor = defaultNatsBackoffFactor
	}
	if policy.minJitter <= 0 {
		policy.minJitter = defaultNatsMinJitter
	}
	if policy.maxJitter <= 0 {
		policy.maxJitter = defaultNatsMaxJitter
	}
	if policy.maxJitter < policy.minJitter {
		policy.maxJitter = policy.minJitter
	}

	return policy
}

func (p natsReconnectPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(p.minJitter) * math.Pow(p.factor, float64(attempt))
	if backoff > float64(p.maxJitter) {
		backoff = float64(p.maxJitter)
	}

	base := time.Duration(backoff)
	if p.maxJitter <= p.minJitter {
		return base
	}

	jitter := time.Duration(rng.Int63n(int64(p.maxJitter-p.minJitter) + 1))
	return min(base+jitter, p.maxJitter)
}

// NewJetstream connects to NATS as clientName. The status stream is
// provisioned separately through EnsureStream.
func NewJetstream(cfg config.NatsJetstreamConfig, clientName string) (*nats.Conn, nats.JetStreamContext, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, ErrNatsURLRequired
	}

	policy := newNatsReconnectPolicy(cfg)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	logger := logrus.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"client": clientName,
	})

	nc, err := nats.Connect(cfg.URL,
		nats.Name(clientName),
		nats.Timeout(natsConnectTimeout),
		nats.DrainTimeout(natsDrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(policy.maxRetries),
		nats.PingInterval(natsPingInterval),
		nats.MaxPingsOutstanding(natsMaxPingsOut),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return policy.delay(attempts, rng)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disErr error) {
			logger.Warnf("nats disconnected, status events are buffered until reconnect: %v", disErr)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Infof("nats reconnected: %s", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			logger.Warnf("nats connection closed: %v", conn.LastError())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(jetstreamMaxAsyncPubs),
		nats.MaxWait(jetstreamMaxWait),
	)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	logger.WithField("max_retries", policy.maxRetries).Info("nats jetstream connection established")

	return nc, js, nil
}

// EnsureStream creates the stream or brings an existing one in line with cfg.
func EnsureStream(ctx context.Context, js StreamManager, cfg *nats.StreamConfig) error {
	logger := logrus.WithField("stream", cfg.Name)

	stream, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}

	if stream == nil {
		logger.Info("creating stream")
		if _, err := js.AddStream(cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("add stream %s: %w", cfg.Name, err)
		}
		return nil
	}

	logger.Info("updating stream")
	if _, err := js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.Name, err)
	}

	return nil
}

func CloseJetstream(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}

	nc.Close()
	return nil
}
