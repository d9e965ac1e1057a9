package connector

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/ibkr-orchestrator/internal/constant"
	"github.com/krobus00/ibkr-orchestrator/internal/entity"
	"github.com/nats-io/nats.go"
)

type fakeAsyncPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakeAsyncPublisher) PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil, nil
}

func TestStatusPublisher_Callback(t *testing.T) {
	fake := &fakeAsyncPublisher{}
	fixedNow := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)

	publisher := &StatusPublisher{
		publisher: fake,
		config:    entity.ConnectionConfig{Host: "127.0.0.1", Port: 7497, ClientID: 7},
		sessionID: "session-1",
		now:       func() time.Time { return fixedNow },
	}

	callback := publisher.Callback()
	callback(true)
	callback(false)

	if len(fake.subjects) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(fake.subjects))
	}

	if fake.subjects[0] != "ibkr.status.7" {
		t.Errorf("unexpected subject: %s", fake.subjects[0])
	}

	var first entity.ConnectionStatusEvent
	if err := json.Unmarshal(fake.payloads[0], &first); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if !first.Connected || first.State != "CONNECTED" || first.SessionID != "session-1" || first.ClientID != 7 {
		t.Errorf("unexpected first event: %+v", first)
	}
	if !first.OccurredAt.Equal(fixedNow) {
		t.Errorf("unexpected occurred_at: %s", first.OccurredAt)
	}

	var second entity.ConnectionStatusEvent
	if err := json.Unmarshal(fake.payloads[1], &second); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if second.Connected || second.State != "DISCONNECTED" {
		t.Errorf("unexpected second event: %+v", second)
	}
}

func TestStatusPublisher_CallbackSwallowsPublishError(t *testing.T) {
	fake := &fakeAsyncPublisher{err: errors.New("nats: connection closed")}
	publisher := &StatusPublisher{
		publisher: fake,
		config:    entity.ConnectionConfig{ClientID: 1},
		now:       time.Now,
	}

	gw := newFakeGateway()
	manager, _ := newTestManager(gw, 1)
	manager.AddStatusCallback(publisher.Callback())

	if !manager.Connect(t.Context()) {
		t.Fatal("expected connect to succeed despite publish failure")
	}
}

type fakeStreamManager struct {
	existing *nats.StreamInfo
	added    *nats.StreamConfig
	updated  *nats.StreamConfig
}

func (m *fakeStreamManager) StreamInfo(string, ...nats.JSOpt) (*nats.StreamInfo, error) {
	if m.existing == nil {
		return nil, nats.ErrStreamNotFound
	}
	return m.existing, nil
}

func (m *fakeStreamManager) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.added = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *fakeStreamManager) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.updated = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestStatusPublisher_JetstreamEventInitCreatesStatusStream(t *testing.T) {
	streams := &fakeStreamManager{}
	publisher := &StatusPublisher{streams: streams}

	if err := publisher.JetstreamEventInit(t.Context()); err != nil {
		t.Fatalf("JetstreamEventInit() error = %v", err)
	}
	if streams.added == nil {
		t.Fatal("expected the status stream to be created")
	}
	if streams.added.Name != constant.StatusStreamName || streams.added.Storage != nats.MemoryStorage {
		t.Errorf("unexpected stream config: %+v", streams.added)
	}
	if len(streams.added.Subjects) != 1 || streams.added.Subjects[0] != constant.StatusStreamSubjectAll {
		t.Errorf("unexpected subjects: %v", streams.added.Subjects)
	}
}
