package media

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

const (
	ssrcGroupSimulcast = "SIM"
	ssrcGroupRTX       = "FID"
)

// defaultLastN caps how many ranked speakers a video channel forwards. The
// signaling layer can widen it per channel later; zero disables the cap.
const defaultLastN = 0

// Channel is one signaled media stream leg of an endpoint.
type Channel struct {
	id         string
	endpointID string
	mediaType  types.MediaType

	lock           sync.Mutex
	receiveSSRCs   []webrtc.SSRC
	tiers          []types.SimulcastTier
	receiveWeights map[string]int
	lastN          int
	forwarded      map[string]bool
}

func newChannel(id, endpointID string, mediaType types.MediaType) *Channel {
	return &Channel{
		id:         id,
		endpointID: endpointID,
		mediaType:  mediaType,
		lastN:      defaultLastN,
		forwarded:  make(map[string]bool),
	}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) EndpointID() string {
	return c.endpointID
}

func (c *Channel) SimulcastTiers() []types.SimulcastTier {
	c.lock.Lock()
	defer c.lock.Unlock()

	tiers := make([]types.SimulcastTier, len(c.tiers))
	copy(tiers, c.tiers)
	return tiers
}

func (c *Channel) SetReceiveSimulcastWeights(weights map[string]int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.receiveWeights = weights
}

func (c *Channel) ReceiveSimulcastWeights() map[string]int {
	c.lock.Lock()
	defer c.lock.Unlock()

	weights := make(map[string]int, len(c.receiveWeights))
	for id, w := range c.receiveWeights {
		weights[id] = w
	}
	return weights
}

func (c *Channel) SetLastN(lastN int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastN = lastN
}

// SpeakerOrderChanged recomputes which senders this channel forwards under
// its lastN cap and returns the ids that just became visible, since those
// need a fresh keyframe to render.
func (c *Channel) SpeakerOrderChanged(rankedIDs []string) []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.lastN <= 0 {
		return nil
	}

	visible := make(map[string]bool, c.lastN)
	for _, id := range rankedIDs {
		if id == c.endpointID {
			continue
		}
		visible[id] = true
		if len(visible) == c.lastN {
			break
		}
	}

	var needKeyframes []string
	for id := range visible {
		if !c.forwarded[id] {
			needKeyframes = append(needKeyframes, id)
		}
	}
	c.forwarded = visible
	return needKeyframes
}

func (c *Channel) receivesStream(ssrc webrtc.SSRC) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, s := range c.receiveSSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// Update applies signaled receive streams and ssrc groups. SIM groups define
// the simulcast tiers in ascending quality order; FID groups attach each
// tier's retransmission stream.
func (c *Channel) Update(d *types.ChannelDescription) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if d.SSRCs != nil {
		c.receiveSSRCs = make([]webrtc.SSRC, 0, len(d.SSRCs))
		for _, ssrc := range d.SSRCs {
			c.receiveSSRCs = append(c.receiveSSRCs, webrtc.SSRC(ssrc))
		}
	}
	if d.SSRCGroups == nil {
		return
	}

	var simPrimaries []webrtc.SSRC
	associated := make(map[webrtc.SSRC][]webrtc.SSRC)
	for _, group := range d.SSRCGroups {
		switch group.Semantics {
		case ssrcGroupSimulcast:
			for _, ssrc := range group.SSRCs {
				simPrimaries = append(simPrimaries, webrtc.SSRC(ssrc))
			}
		case ssrcGroupRTX:
			if len(group.SSRCs) >= 2 {
				primary := webrtc.SSRC(group.SSRCs[0])
				for _, ssrc := range group.SSRCs[1:] {
					associated[primary] = append(associated[primary], webrtc.SSRC(ssrc))
				}
			}
		}
	}

	if len(simPrimaries) == 0 {
		if len(c.receiveSSRCs) > 0 {
			simPrimaries = c.receiveSSRCs[:1]
		} else {
			c.tiers = nil
			return
		}
	}

	tiers := make([]types.SimulcastTier, 0, len(simPrimaries))
	for _, primary := range simPrimaries {
		tiers = append(tiers, types.SimulcastTier{
			PrimarySSRC:     primary,
			AssociatedSSRCs: associated[primary],
		})
	}
	c.tiers = tiers
}

func (c *Channel) Describe(d *types.ChannelDescription) {
	c.lock.Lock()
	defer c.lock.Unlock()

	d.ID = c.id
	d.Endpoint = c.endpointID
	d.SSRCs = make([]uint32, 0, len(c.receiveSSRCs))
	for _, ssrc := range c.receiveSSRCs {
		d.SSRCs = append(d.SSRCs, uint32(ssrc))
	}

	if len(c.tiers) > 1 {
		sim := &types.SSRCGroupDescription{Semantics: ssrcGroupSimulcast}
		for _, tier := range c.tiers {
			sim.SSRCs = append(sim.SSRCs, uint32(tier.PrimarySSRC))
		}
		d.SSRCGroups = append(d.SSRCGroups, sim)
	}
	for _, tier := range c.tiers {
		if len(tier.AssociatedSSRCs) == 0 {
			continue
		}
		fid := &types.SSRCGroupDescription{
			Semantics: ssrcGroupRTX,
			SSRCs:     []uint32{uint32(tier.PrimarySSRC)},
		}
		for _, ssrc := range tier.AssociatedSSRCs {
			fid.SSRCs = append(fid.SSRCs, uint32(ssrc))
		}
		d.SSRCGroups = append(d.SSRCGroups, fid)
	}
}
