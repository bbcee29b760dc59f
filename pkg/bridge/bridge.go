// Package bridge owns the set of live conferences on this node: creation,
// lookup, idle sweeping, and process-wide accounting.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"golang.org/x/sync/errgroup"

	"github.com/videobridge/bridge-server/pkg/conference"
	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/config"
	"github.com/videobridge/bridge-server/pkg/recording"
	"github.com/videobridge/bridge-server/pkg/telemetry/prometheus"
	"github.com/videobridge/bridge-server/pkg/utils"
)

const (
	expiredConferenceCacheSize = 512
	sweepInterval              = 30 * time.Second
	announceTimeout            = 5 * time.Second
)

// ConferenceFactories supplies the media-layer constructors a conference
// needs. The bridge curries them with the conference id.
type ConferenceFactories struct {
	NewSpeechActivity   func(conferenceID string) types.SpeechActivity
	NewEndpoint         func(conferenceID, endpointID string) types.Endpoint
	NewContent          func(conferenceID, name string) types.Content
	NewTransportManager func(conferenceID, bundleID string) (types.TransportManager, error)

	// ReleaseConference, when set, lets the media layer drop per-conference
	// state after expiry.
	ReleaseConference func(conferenceID string)
}

// RecordingAnnouncer claims recorder workers and tells them about recording
// lifecycle transitions. *recording.Announcer is the redis-backed instance.
type RecordingAnnouncer interface {
	ReserveRecorder(ctx context.Context, conferenceID string) error
	RecordingStarted(ctx context.Context, conferenceID, path string) error
	RecordingEnded(ctx context.Context, conferenceID string) error
}

type BridgeParams struct {
	NodeID    string
	Config    *config.Config
	Factories ConferenceFactories

	// optional integrations
	Events    *EventPublisher
	Announcer RecordingAnnouncer

	Logger logger.Logger
}

type conferenceEntry struct {
	conf      *conference.Conference
	createdAt time.Time
}

type Bridge struct {
	params BridgeParams

	lock        sync.RWMutex
	conferences map[string]*conferenceEntry

	// ids of conferences that expired recently, so signaling can tell
	// "expired" apart from "never existed"
	recentlyExpired *lru.Cache[string, time.Time]

	shutdown core.Fuse
}

func NewBridge(params BridgeParams) (*Bridge, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	cache, err := lru.New[string, time.Time](expiredConferenceCacheSize)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		params:          params,
		conferences:     make(map[string]*conferenceEntry),
		recentlyExpired: cache,
	}

	if params.Config.Conference.IdleTimeout > 0 {
		go b.sweepIdleConferences(params.Config.Conference.IdleTimeout)
	}

	return b, nil
}

func (b *Bridge) NodeID() string {
	return b.params.NodeID
}

// GetOrCreateConference returns the conference with the given id, creating it
// if needed. An empty id allocates a fresh one.
func (b *Bridge) GetOrCreateConference(id, focus string) *conference.Conference {
	if id == "" {
		id = utils.NewGuid(utils.ConferencePrefix)
	}

	b.lock.Lock()
	if entry, ok := b.conferences[id]; ok {
		b.lock.Unlock()
		entry.conf.Touch()
		return entry.conf
	}

	conf := b.newConference(id, focus)
	b.conferences[id] = &conferenceEntry{conf: conf, createdAt: time.Now()}
	numConferences := len(b.conferences)
	b.lock.Unlock()

	prometheus.ConferenceStarted()
	b.params.Logger.Infow("created conference",
		"conference", id, "focus", focus, "numConferences", numConferences)
	b.publishEvent(EventConferenceCreated, id, "")

	return conf
}

func (b *Bridge) newConference(id, focus string) *conference.Conference {
	f := b.params.Factories
	conf := conference.NewConference(conference.ConferenceParams{
		ID:             id,
		Focus:          focus,
		SpeechActivity: f.NewSpeechActivity(id),
		NewEndpoint: func(endpointID string) types.Endpoint {
			return f.NewEndpoint(id, endpointID)
		},
		NewContent: func(name string) types.Content {
			return f.NewContent(id, name)
		},
		NewTransportManager: func(bundleID string) (types.TransportManager, error) {
			return f.NewTransportManager(id, bundleID)
		},
		NewEventSink:            recording.NewFileEventSink,
		NewEndpointSink:         recording.NewFileEndpointSink,
		RecordingEnabled:        b.params.Config.Recording.Enabled,
		RecordingPath:           b.params.Config.Recording.Path,
		SpeakerOrderDebounce:    b.params.Config.Conference.SpeakerOrderDebounce,
		Bridge:                  b,
		OnRecordingStateChanged: b.handleRecordingStateChanged,
		Logger:                  b.params.Logger,
	})
	conf.OnExpired(b.handleConferenceExpired)
	return conf
}

func (b *Bridge) GetConference(id string) *conference.Conference {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if entry, ok := b.conferences[id]; ok {
		return entry.conf
	}
	return nil
}

// ExpireConference expires the conference with the given id. Returns whether
// the conference was found.
func (b *Bridge) ExpireConference(id string) bool {
	conf := b.GetConference(id)
	if conf == nil {
		return false
	}
	conf.Expire()
	return true
}

// WasRecentlyExpired reports whether the id belonged to a conference that
// expired within the retention window of the cache.
func (b *Bridge) WasRecentlyExpired(id string) bool {
	_, ok := b.recentlyExpired.Get(id)
	return ok
}

func (b *Bridge) GetConferences() []*conference.Conference {
	b.lock.RLock()
	defer b.lock.RUnlock()

	conferences := make([]*conference.Conference, 0, len(b.conferences))
	for _, entry := range b.conferences {
		conferences = append(conferences, entry.conf)
	}
	return conferences
}

func (b *Bridge) NumConferences() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.conferences)
}

func (b *Bridge) NumChannels() int {
	n := 0
	for _, conf := range b.GetConferences() {
		n += conf.NumChannels()
	}
	return n
}

func (b *Bridge) NumEndpoints() int {
	n := 0
	for _, conf := range b.GetConferences() {
		n += conf.NumEndpoints()
	}
	return n
}

func (b *Bridge) handleConferenceExpired(conf *conference.Conference) {
	b.lock.Lock()
	entry, ok := b.conferences[conf.ID()]
	if ok && entry.conf == conf {
		delete(b.conferences, conf.ID())
	} else {
		entry = nil
	}
	numConferences := len(b.conferences)
	b.lock.Unlock()

	b.recentlyExpired.Add(conf.ID(), time.Now())

	if b.params.Factories.ReleaseConference != nil {
		b.params.Factories.ReleaseConference(conf.ID())
	}
	if entry != nil {
		prometheus.ConferenceExpired(entry.createdAt)
	}
	b.params.Logger.Infow("conference expired",
		"conference", conf.ID(), "numConferences", numConferences)
	b.publishEvent(EventConferenceExpired, conf.ID(), "")
}

func (b *Bridge) handleRecordingStateChanged(conferenceID string, recording bool, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	if recording {
		prometheus.RecordingStarted()
		b.publishEvent(EventRecordingStarted, conferenceID, path)
		if b.params.Announcer != nil {
			// claim a worker first; a failed reservation still announces so a
			// late-joining worker can pick the session up
			if err := b.params.Announcer.ReserveRecorder(ctx, conferenceID); err != nil {
				b.params.Logger.Warnw("could not reserve recorder", err, "conference", conferenceID)
			}
			if err := b.params.Announcer.RecordingStarted(ctx, conferenceID, path); err != nil {
				b.params.Logger.Warnw("could not announce recording start", err, "conference", conferenceID)
			}
		}
	} else {
		prometheus.RecordingEnded()
		b.publishEvent(EventRecordingStopped, conferenceID, "")
		if b.params.Announcer != nil {
			if err := b.params.Announcer.RecordingEnded(ctx, conferenceID); err != nil {
				b.params.Logger.Warnw("could not announce recording end", err, "conference", conferenceID)
			}
		}
	}
}

func (b *Bridge) publishEvent(eventType, conferenceID, path string) {
	if b.params.Events == nil {
		return
	}
	err := b.params.Events.Publish(&Event{
		Type:         eventType,
		NodeID:       b.params.NodeID,
		ConferenceID: conferenceID,
		Path:         path,
	})
	if err != nil {
		b.params.Logger.Warnw("could not publish bridge event", err,
			"type", eventType, "conference", conferenceID)
	}
}

// sweepIdleConferences expires conferences whose last activity is older than
// the idle timeout. Runs until Shutdown.
func (b *Bridge) sweepIdleConferences(idleTimeout time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown.Watch():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-idleTimeout)
		for _, conf := range b.GetConferences() {
			if conf.LastActivity().Before(cutoff) {
				b.params.Logger.Infow("expiring idle conference",
					"conference", conf.ID(), "lastActivity", conf.LastActivity())
				conf.Expire()
			}
		}
	}
}

// Shutdown expires every conference in parallel and closes external
// connections. Safe to call more than once.
func (b *Bridge) Shutdown() {
	if b.shutdown.IsBroken() {
		return
	}
	b.shutdown.Break()

	var eg errgroup.Group
	for _, conf := range b.GetConferences() {
		conf := conf
		eg.Go(func() error {
			conf.Expire()
			return nil
		})
	}
	_ = eg.Wait()

	if b.params.Events != nil {
		b.params.Events.Close()
	}
}
