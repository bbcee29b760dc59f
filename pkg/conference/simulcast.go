package conference

import (
	"github.com/livekit/protocol/logger"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

// ReceiverHighQualityWeight is the weight assigned to the selected sender in a
// receiver's desired-quality map. Every other sender gets zero.
const ReceiverHighQualityWeight = 10

type simulcastQualityControllerParams struct {
	Registry *EndpointRegistry
	Logger   logger.Logger
}

// simulcastQualityController reacts to a viewer's selection change with three
// independent rules: replace the viewer's receive-quality assignment, stop the
// old sender's highest tier if nobody is left watching it, and start the new
// sender's highest tier if somebody is (or might be) watching it.
type simulcastQualityController struct {
	params simulcastQualityControllerParams
}

func newSimulcastQualityController(params simulcastQualityControllerParams) *simulcastQualityController {
	return &simulcastQualityController{params: params}
}

func (s *simulcastQualityController) SelectionChanged(viewer types.Endpoint, oldID, newID string) {
	// Each rule stands alone: a failure in one never rolls back another.
	s.assignReceiverWeights(viewer, newID)
	s.maybeStopHighQualityTier(oldID)
	s.maybeStartHighQualityTier(newID)
}

// assignReceiverWeights hands the viewer's video channel the complete
// desired-quality map: the selected sender weighted high, everyone else zero.
// A full replace, never incremental.
func (s *simulcastQualityController) assignReceiverWeights(viewer types.Endpoint, selectedID string) {
	if viewer == nil {
		return
	}

	endpoints := s.params.Registry.All()
	if len(endpoints) == 0 {
		return
	}

	weights := make(map[string]int, len(endpoints))
	for _, ep := range endpoints {
		if selectedID != "" && selectedID != types.NotWatchingVideo && ep.ID() == selectedID {
			weights[ep.ID()] = ReceiverHighQualityWeight
		} else {
			weights[ep.ID()] = 0
		}
	}

	channels := viewer.GetChannels(types.MediaTypeVideo)
	if len(channels) > 0 {
		channels[0].SetReceiveSimulcastWeights(weights)
	}
}

func (s *simulcastQualityController) maybeStopHighQualityTier(oldID string) {
	sender, tier, ok := s.commandableSender(oldID)
	if !ok {
		return
	}

	// The endpoint set is scanned without a lock, so a selection change during
	// the scan can produce a stale decision. Accepted tradeoff: holding a lock
	// here can deadlock against the selection-change handler itself.
	stop := true
	for _, ep := range s.params.Registry.All() {
		if ep.ID() == sender.ID() {
			continue
		}
		if sel := ep.SelectedEndpointID(); sel == sender.ID() || sel == "" {
			// somebody is watching the old sender, or has not signaled a
			// selection yet and so might be watching it
			stop = false
			break
		}
	}
	if !stop {
		return
	}

	s.params.Logger.Infow("stopping high quality tier", "endpoint", sender.ID())
	if err := sender.SendMessageOnDataChannel(tierCommandMessage(MessageKindStopHighQualityTier, tier)); err != nil {
		s.params.Logger.Errorw("could not send message on data channel", err, "endpoint", sender.ID())
	}
}

func (s *simulcastQualityController) maybeStartHighQualityTier(newID string) {
	sender, tier, ok := s.commandableSender(newID)
	if !ok {
		return
	}

	start := false
	for _, ep := range s.params.Registry.All() {
		if ep.ID() == sender.ID() {
			continue
		}
		if sel := ep.SelectedEndpointID(); sel == sender.ID() || sel == "" {
			start = true
			break
		}
	}
	if !start {
		return
	}

	s.params.Logger.Infow("starting high quality tier", "endpoint", sender.ID())
	if err := sender.SendMessageOnDataChannel(tierCommandMessage(MessageKindStartHighQualityTier, tier)); err != nil {
		s.params.Logger.Errorw("could not send message on data channel", err, "endpoint", sender.ID())
	}
}

// commandableSender resolves id to a sender that can be targeted by tier
// commands: it exists, exposes more than one simulcast tier, and its data
// channel is ready and not expired. The returned tier is the highest one —
// multi-tier stepping is not supported.
func (s *simulcastQualityController) commandableSender(id string) (types.Endpoint, types.SimulcastTier, bool) {
	if id == "" || id == types.NotWatchingVideo {
		return nil, types.SimulcastTier{}, false
	}

	sender := s.params.Registry.Resolve(id)
	if sender == nil {
		return nil, types.SimulcastTier{}, false
	}

	channels := sender.GetChannels(types.MediaTypeVideo)
	if len(channels) == 0 {
		return nil, types.SimulcastTier{}, false
	}
	tiers := channels[0].SimulcastTiers()
	if len(tiers) < 2 {
		return nil, types.SimulcastTier{}, false
	}

	dc := sender.DataChannel()
	if dc == nil || !dc.IsReady() || dc.IsExpired() {
		return nil, types.SimulcastTier{}, false
	}

	return sender, tiers[len(tiers)-1], true
}
