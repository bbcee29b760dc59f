package conference

import (
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

type readinessDispatcherParams struct {
	ObserverKey    string
	Registry       *EndpointRegistry
	SpeechActivity types.SpeechActivity
	IsExpired      func() bool
	Logger         logger.Logger
}

// readinessDispatcher delivers a fixed set of initial-state events (the
// current dominant speaker) to an endpoint exactly once, as soon as the
// endpoint's data channel transport becomes operational.
type readinessDispatcher struct {
	params readinessDispatcherParams

	lock  sync.Mutex
	fired map[types.DataChannelTransport]bool
}

func newReadinessDispatcher(params readinessDispatcherParams) *readinessDispatcher {
	return &readinessDispatcher{
		params: params,
		fired:  make(map[types.DataChannelTransport]bool),
	}
}

// TransportChanged re-attaches the readiness observer when an endpoint's
// transport is replaced. A new transport that is already ready runs the
// initial-events sequence immediately instead of waiting for a signal.
func (d *readinessDispatcher) TransportChanged(old, new types.DataChannelTransport) {
	if old != nil {
		old.RemoveReadyObserver(d.params.ObserverKey)
	}
	if new != nil {
		new.AddReadyObserver(d.params.ObserverKey, func() {
			d.TransportReady(new)
		})
		if new.IsReady() {
			d.TransportReady(new)
		}
	}
}

func (d *readinessDispatcher) TransportReady(t types.DataChannelTransport) {
	// unsubscribe first so future readiness signals are not observed again
	t.RemoveReadyObserver(d.params.ObserverKey)

	// the observer path and the synchronous already-ready path can both get
	// here for the same transport; only the first one fires
	d.lock.Lock()
	if d.fired[t] {
		d.lock.Unlock()
		return
	}
	d.fired[t] = true
	d.lock.Unlock()

	if d.params.IsExpired() || t.IsExpired() || !t.IsReady() {
		return
	}

	// must be the still-registered instance, not whatever the transport holds
	ep := d.params.Registry.Resolve(t.EndpointID())
	if ep == nil {
		return
	}

	if dominant := d.params.SpeechActivity.DominantEndpointID(); dominant != "" {
		if err := ep.SendMessageOnDataChannel(dominantSpeakerMessage(dominant)); err != nil {
			d.params.Logger.Errorw("could not send message on data channel", err, "endpoint", ep.ID())
		}
	}

	// the dominant-speaker message goes out before the generic ready hook
	ep.DataChannelReady(t)
}
