package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/ibkr-orchestrator/internal/constant"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/krobus00/ibkr-orchestrator/internal/infrastructure"
	"github.com/krobus00/ibkr-orchestrator/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// StatusPublisher broadcasts connection status changes on jetstream so other
// services can follow the gateway session.
type StatusPublisher struct {
	streams   infrastructure.StreamManager
	publisher util.AsyncPublisher
	config    entity.ConnectionConfig
	sessionID string
	now       func() time.Time
}

func NewStatusPublisher(js nats.JetStreamContext, config entity.ConnectionConfig) *StatusPublisher {
	return &StatusPublisher{
		streams:   js,
		publisher: js,
		config:    config,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

func (p *StatusPublisher) SessionID() string {
	return p.sessionID
}

// StatusStreamConfig describes the stream holding connection status events.
// Status is only interesting while fresh, so it lives in memory for an hour.
func StatusStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      constant.StatusStreamName,
		Subjects:  []string{constant.StatusStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    1 * time.Hour,
		Replicas:  1,
	}
}

func (p *StatusPublisher) JetstreamEventInit(ctx context.Context) error {
	if err := infrastructure.EnsureStream(ctx, p.streams, StatusStreamConfig()); err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Infof("stream %s is ready", constant.StatusStreamName)

	return nil
}

// Callback is meant for ConnectionManager.AddStatusCallback. Publishing does not
// wait for the jetstream ack.
func (p *StatusPublisher) Callback() entity.StatusCallback {
	return func(connected bool) {
		state := entity.ConnectionStateDisconnected
		if connected {
			state = entity.ConnectionStateConnected
		}

		event := entity.ConnectionStatusEvent{
			SessionID:  p.sessionID,
			ClientID:   p.config.ClientID,
			Host:       p.config.Host,
			Port:       p.config.Port,
			Connected:  connected,
			State:      state.String(),
			OccurredAt: p.now().UTC(),
		}

		subject := constant.GetStatusStreamSubject(p.config.ClientID)
		if err := util.PublishEvent(p.publisher, subject, event); err != nil {
			logrus.WithFields(logrus.Fields{
				"subject":   subject,
				"connected": connected,
			}).Errorf("failed to publish connection status: %v", err)
		}
	}
}
