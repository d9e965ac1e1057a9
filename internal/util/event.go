package util

import (
	"github.com/goccy/go-json"

	"github.com/nats-io/nats.go"
)

// AsyncPublisher is the subset of nats.JetStreamContext used to emit events.
type AsyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// PublishEvent encodes data and hands it to jetstream without waiting for the ack.
func PublishEvent(js AsyncPublisher, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = js.PublishAsync(subject, payload)
	if err != nil {
		return err
	}

	return nil
}
