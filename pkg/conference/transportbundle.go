package conference

import (
	"sync"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

// TransportBundleRegistry memoizes one transport manager per signaling bundle
// id. Creation is compare-and-create under a single registry-wide critical
// section; a failed construction registers nothing and the error goes back to
// the caller.
type TransportBundleRegistry struct {
	newTransportManager func(bundleID string) (types.TransportManager, error)

	lock     sync.Mutex
	managers map[string]types.TransportManager
}

func NewTransportBundleRegistry(newTransportManager func(bundleID string) (types.TransportManager, error)) *TransportBundleRegistry {
	return &TransportBundleRegistry{
		newTransportManager: newTransportManager,
		managers:            make(map[string]types.TransportManager),
	}
}

func (r *TransportBundleRegistry) Get(bundleID string) types.TransportManager {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.managers[bundleID]
}

func (r *TransportBundleRegistry) GetOrCreate(bundleID string) (types.TransportManager, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if tm := r.managers[bundleID]; tm != nil {
		return tm, nil
	}

	tm, err := r.newTransportManager(bundleID)
	if err != nil {
		return nil, err
	}
	r.managers[bundleID] = tm
	return tm, nil
}

// Describe enumerates every bundle into the supplied document.
func (r *TransportBundleRegistry) Describe(d *types.ConferenceDescription) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for bundleID, tm := range r.managers {
		bd := &types.ChannelBundleDescription{ID: bundleID}
		tm.Describe(bd)
		d.ChannelBundles = append(d.ChannelBundles, bd)
	}
}

func (r *TransportBundleRegistry) Close() {
	r.lock.Lock()
	managers := make([]types.TransportManager, 0, len(r.managers))
	for _, tm := range r.managers {
		managers = append(managers, tm)
	}
	r.managers = make(map[string]types.TransportManager)
	r.lock.Unlock()

	for _, tm := range managers {
		_ = tm.Close()
	}
}
