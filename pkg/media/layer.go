// Package media is the in-process media-state layer behind the conference
// coordinator: endpoints, contents, channels, and speech activity tracking.
// It keeps signaled state and control-plane behavior; actual packet routing
// is out of its hands.
package media

import (
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/telemetry/prometheus"
)

type LayerParams struct {
	// MessageSink receives every message a conference pushes onto an
	// endpoint's data channel. Defaults to a debug log.
	MessageSink func(conferenceID, endpointID string, data []byte)
	Logger      logger.Logger
}

// Layer owns the per-conference media state and hands out the factories the
// bridge curries into each conference.
type Layer struct {
	params LayerParams

	lock        sync.Mutex
	conferences map[string]*conferenceState
}

type conferenceState struct {
	id             string
	layer          *Layer
	speechActivity *SpeechActivityTracker

	lock      sync.Mutex
	endpoints map[string]*Endpoint
}

func NewLayer(params LayerParams) *Layer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.MessageSink == nil {
		l := params.Logger
		params.MessageSink = func(conferenceID, endpointID string, data []byte) {
			l.Debugw("data channel message dropped",
				"conference", conferenceID, "endpoint", endpointID, "size", len(data))
		}
	}
	return &Layer{
		params:      params,
		conferences: make(map[string]*conferenceState),
	}
}

func (l *Layer) conference(conferenceID string) *conferenceState {
	l.lock.Lock()
	defer l.lock.Unlock()

	cs, ok := l.conferences[conferenceID]
	if !ok {
		cs = &conferenceState{
			id:             conferenceID,
			layer:          l,
			speechActivity: NewSpeechActivityTracker(),
			endpoints:      make(map[string]*Endpoint),
		}
		l.conferences[conferenceID] = cs
	}
	return cs
}

// NewSpeechActivity returns the conference's speech activity tracker.
func (l *Layer) NewSpeechActivity(conferenceID string) types.SpeechActivity {
	return l.conference(conferenceID).speechActivity
}

// SpeechActivity exposes the tracker's mutation side to audio-level sources.
func (l *Layer) SpeechActivity(conferenceID string) *SpeechActivityTracker {
	return l.conference(conferenceID).speechActivity
}

func (l *Layer) NewEndpoint(conferenceID, endpointID string) types.Endpoint {
	cs := l.conference(conferenceID)

	ep := newEndpoint(endpointID, func(data []byte) {
		l.params.MessageSink(conferenceID, endpointID, data)
	})

	cs.lock.Lock()
	cs.endpoints[endpointID] = ep
	cs.lock.Unlock()

	prometheus.AddEndpoint()
	return ep
}

func (l *Layer) NewContent(conferenceID, name string) types.Content {
	return newContent(l.conference(conferenceID), name, l.params.Logger)
}

// ReleaseConference drops the per-conference state after the conference
// expired.
func (l *Layer) ReleaseConference(conferenceID string) {
	l.lock.Lock()
	cs := l.conferences[conferenceID]
	delete(l.conferences, conferenceID)
	l.lock.Unlock()

	if cs == nil {
		return
	}
	cs.lock.Lock()
	endpoints := make([]*Endpoint, 0, len(cs.endpoints))
	for _, ep := range cs.endpoints {
		endpoints = append(endpoints, ep)
	}
	cs.endpoints = make(map[string]*Endpoint)
	cs.lock.Unlock()

	for _, ep := range endpoints {
		ep.Close()
	}
}

func (cs *conferenceState) endpoint(id string) *Endpoint {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.endpoints[id]
}
