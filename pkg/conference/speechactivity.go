package conference

import (
	"time"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

// handleDominantSpeakerChanged broadcasts the new dominant speaker to every
// endpoint's data channel and, when a recording session is active, forwards
// the event to the recorder metadata sink. Delivery is best effort per
// endpoint; one failure never aborts the rest of the fan-out.
func (c *Conference) handleDominantSpeakerChanged() {
	if c.IsExpired() {
		return
	}

	dominant := c.params.SpeechActivity.DominantEndpointID()
	c.params.Logger.Debugw("dominant speaker changed", "conference", c.ID(), "endpoint", dominant)
	if dominant == "" {
		return
	}

	c.broadcastOnDataChannels(dominantSpeakerMessage(dominant))

	if c.IsRecording() {
		if sink := c.recording.EventSink(); sink != nil {
			ev := &types.RecorderEvent{
				Type:       types.RecorderEventDominantSpeaker,
				EndpointID: dominant,
				Timestamp:  time.Now().UnixMilli(),
			}
			if err := sink.WriteEvent(ev); err != nil {
				c.params.Logger.Warnw("could not write recorder event", err, "conference", c.ID())
			}
		}
	}
}

// handleSpeakerOrderChanged pushes the new ranked speaker list down to every
// video channel. Each channel reports back which endpoints it needs fresh
// keyframes from; the deduplicated union goes to the content once.
func (c *Conference) handleSpeakerOrderChanged() {
	if c.IsExpired() {
		return
	}
	if c.speakerOrderDebounce != nil {
		c.speakerOrderDebounce(c.pushSpeakerOrder)
		return
	}
	c.pushSpeakerOrder()
}

func (c *Conference) pushSpeakerOrder() {
	if c.IsExpired() {
		return
	}

	ranked := c.params.SpeechActivity.RankedEndpointIDs()
	for _, content := range c.Contents() {
		if content.MediaType() != types.MediaTypeVideo {
			continue
		}

		var wantKeyframes map[string]struct{}
		for _, channel := range content.Channels() {
			for _, id := range channel.SpeakerOrderChanged(ranked) {
				if wantKeyframes == nil {
					wantKeyframes = make(map[string]struct{})
				}
				wantKeyframes[id] = struct{}{}
			}
		}

		if len(wantKeyframes) > 0 {
			content.AskForKeyframes(wantKeyframes)
		}
	}
}

func (c *Conference) broadcastOnDataChannels(msg []byte) {
	// the pool rejects submissions once expiry has stopped it
	c.sendLock.RLock()
	defer c.sendLock.RUnlock()
	if c.sendStopped {
		return
	}

	for _, ep := range c.registry.All() {
		ep := ep
		c.sendPool.Submit(func() {
			if err := ep.SendMessageOnDataChannel(msg); err != nil {
				c.params.Logger.Errorw("could not send message on data channel", err,
					"conference", c.ID(), "endpoint", ep.ID())
			}
		})
	}
}
