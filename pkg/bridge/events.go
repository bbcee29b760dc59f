package bridge

import (
	"encoding/json"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/videobridge/bridge-server/pkg/utils"
)

const (
	eventsStream  = "bridge"
	EventsSubject = "bridge.events"
)

const (
	EventConferenceCreated = "conference_created"
	EventConferenceExpired = "conference_expired"
	EventRecordingStarted  = "recording_started"
	EventRecordingStopped  = "recording_stopped"
)

// Event is the wire form of a bridge lifecycle notification.
type Event struct {
	Type         string `json:"type"`
	NodeID       string `json:"nodeId"`
	ConferenceID string `json:"conferenceId"`
	Path         string `json:"path,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// EventPublisher pushes bridge lifecycle events onto a NATS JetStream stream
// for off-process consumers. Publishes are serialized on an ops queue so
// signaling paths never block on the broker.
type EventPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	ops    *utils.OpsQueue
	logger logger.Logger
}

func NewEventPublisher(url, token string, l logger.Logger) (*EventPublisher, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	nc, err := nats.Connect(
		url,
		nats.MaxReconnects(20),
		nats.ReconnectWait(time.Minute),
		nats.Token(token),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			l.Warnw("nats disconnected", err, "status", nc.Status().String())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Infow("nats reconnected", "status", nc.Status().String())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to nats")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      eventsStream,
		Subjects:  []string{EventsSubject},
		Retention: nats.InterestPolicy,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "could not create events stream")
	}

	ops := utils.NewOpsQueue(utils.OpsQueueParams{
		Name:   "bridge-events",
		Logger: l,
	})
	ops.Start()

	return &EventPublisher{
		conn:   nc,
		js:     js,
		ops:    ops,
		logger: l,
	}, nil
}

// Publish enqueues the event. The broker round trip happens on the publisher's
// own goroutine; only marshalling errors surface to the caller.
func (p *EventPublisher) Publish(ev *Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.ops.Enqueue(func() {
		if _, err := p.js.Publish(EventsSubject, data); err != nil {
			p.logger.Warnw("could not publish bridge event", err, "type", ev.Type)
		}
	})
	return nil
}

func (p *EventPublisher) Close() {
	p.ops.Stop()
	p.conn.Close()
}
