package conference

import (
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/utils"
)

type EndpointRegistryParams struct {
	// NewEndpoint constructs an endpoint handle. The registry never owns the
	// endpoint's lifecycle; it only keeps a lookup handle and probes IsClosed.
	NewEndpoint func(id string) types.Endpoint
	// OnCreated runs for every endpoint the registry constructs, before any
	// caller can observe it, so callbacks are registered exactly once.
	OnCreated func(ep types.Endpoint)
	Logger    logger.Logger
}

// EndpointRegistry tracks the endpoints participating in a conference without
// keeping them alive. Every traversal reaps handles whose endpoint has gone
// away; if at least one was reaped, a single endpoints-changed notification is
// fired after the walk, outside the registry lock.
type EndpointRegistry struct {
	params EndpointRegistryParams

	lock      sync.Mutex
	endpoints []types.Endpoint

	changedNotifier *utils.ChangeNotifier
}

func NewEndpointRegistry(params EndpointRegistryParams) *EndpointRegistry {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &EndpointRegistry{
		params:          params,
		changedNotifier: utils.NewChangeNotifier(),
	}
}

// ChangedNotifier reports endpoint-set changes: endpoint created, or at least
// one dead handle reaped during a traversal.
func (r *EndpointRegistry) ChangedNotifier() *utils.ChangeNotifier {
	return r.changedNotifier
}

func (r *EndpointRegistry) Resolve(id string) types.Endpoint {
	var found types.Endpoint

	r.lock.Lock()
	reaped := r.reapLocked(func(ep types.Endpoint) {
		if ep.ID() == id {
			found = ep
		}
	})
	r.lock.Unlock()

	if reaped {
		r.changedNotifier.NotifyChanged()
	}
	return found
}

// All returns a snapshot of the live endpoints in registration order.
func (r *EndpointRegistry) All() []types.Endpoint {
	r.lock.Lock()
	reaped := r.reapLocked(nil)
	snapshot := make([]types.Endpoint, len(r.endpoints))
	copy(snapshot, r.endpoints)
	r.lock.Unlock()

	if reaped {
		r.changedNotifier.NotifyChanged()
	}
	return snapshot
}

func (r *EndpointRegistry) Count() int {
	return len(r.All())
}

func (r *EndpointRegistry) GetOrCreate(id string) types.Endpoint {
	var (
		found   types.Endpoint
		created bool
	)

	r.lock.Lock()
	reaped := r.reapLocked(func(ep types.Endpoint) {
		if ep.ID() == id {
			found = ep
		}
	})
	if found == nil {
		found = r.params.NewEndpoint(id)
		if r.params.OnCreated != nil {
			r.params.OnCreated(found)
		}
		r.endpoints = append(r.endpoints, found)
		created = true
	}
	r.lock.Unlock()

	if reaped || created {
		r.changedNotifier.NotifyChanged()
	}
	return found
}

// reapLocked walks the handle list, dropping closed endpoints and invoking
// visit on the live ones. Returns whether anything was dropped. Callers hold
// r.lock and must notify after releasing it.
func (r *EndpointRegistry) reapLocked(visit func(ep types.Endpoint)) bool {
	live := r.endpoints[:0]
	reaped := false
	for _, ep := range r.endpoints {
		if ep.IsClosed() {
			reaped = true
			continue
		}
		live = append(live, ep)
		if visit != nil {
			visit(ep)
		}
	}
	r.endpoints = live
	return reaped
}
