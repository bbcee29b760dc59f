// Package transport hosts the ICE side of a channel bundle. One Manager
// carries the shared transport of every channel signaled with the same
// bundle id.
package transport

import (
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/pion/stun"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

type ManagerParams struct {
	BundleID       string
	PortRangeStart uint16
	PortRangeEnd   uint16
	STUNServers    []string
	LoggerFactory  logging.LoggerFactory
	Logger         logger.Logger
}

// Manager owns one ICE agent per channel bundle. Gathering starts at
// construction; Describe reports whatever has been gathered so far, so an
// early description may carry fewer candidates than a later one.
type Manager struct {
	params ManagerParams

	agent  *ice.Agent
	closed atomic.Bool

	lock       sync.Mutex
	candidates []string
}

func NewManager(params ManagerParams) (*Manager, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	var urls []*stun.URI
	for _, s := range params.STUNServers {
		u, err := stun.ParseURI(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid stun server %q", s)
		}
		urls = append(urls, u)
	}

	cfg := &ice.AgentConfig{
		NetworkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
		Urls:          urls,
		LoggerFactory: params.LoggerFactory,
	}
	if params.PortRangeStart != 0 && params.PortRangeEnd != 0 {
		cfg.PortMin = params.PortRangeStart
		cfg.PortMax = params.PortRangeEnd
	}

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not create ice agent")
	}

	m := &Manager{
		params: params,
		agent:  agent,
	}
	if err = agent.OnCandidate(m.handleCandidate); err != nil {
		_ = agent.Close()
		return nil, err
	}
	if err = agent.GatherCandidates(); err != nil {
		_ = agent.Close()
		return nil, err
	}

	return m, nil
}

func (m *Manager) BundleID() string {
	return m.params.BundleID
}

func (m *Manager) handleCandidate(c ice.Candidate) {
	if c == nil {
		// gathering finished
		return
	}
	m.lock.Lock()
	m.candidates = append(m.candidates, c.Marshal())
	m.lock.Unlock()
}

func (m *Manager) Describe(d *types.ChannelBundleDescription) {
	ufrag, pwd, err := m.agent.GetLocalUserCredentials()
	if err != nil {
		m.params.Logger.Warnw("could not get ice credentials", err, "bundle", m.params.BundleID)
		return
	}

	m.lock.Lock()
	candidates := make([]string, len(m.candidates))
	copy(candidates, m.candidates)
	m.lock.Unlock()

	d.Transport = &types.TransportDescription{
		Ufrag:      ufrag,
		Pwd:        pwd,
		Candidates: candidates,
	}
}

func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.agent.Close()
}
