package conference

import (
	"encoding/json"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

// Message kinds carried over endpoint data channels. Only the semantics are
// stable; framing belongs to the transport.
const (
	MessageKindDominantSpeakerChange = "DominantSpeakerChange"
	MessageKindStartHighQualityTier  = "StartHighQualityTier"
	MessageKindStopHighQualityTier   = "StopHighQualityTier"
)

type DominantSpeakerMessage struct {
	Kind              string `json:"kind"`
	DominantSpeakerID string `json:"dominantSpeaker"`
}

type TierCommandMessage struct {
	Kind string             `json:"kind"`
	Tier TierCommandPayload `json:"tier"`
}

type TierCommandPayload struct {
	PrimarySSRC     uint32   `json:"primarySSRC"`
	AssociatedSSRCs []uint32 `json:"associatedSSRCs,omitempty"`
}

func dominantSpeakerMessage(endpointID string) []byte {
	data, _ := json.Marshal(&DominantSpeakerMessage{
		Kind:              MessageKindDominantSpeakerChange,
		DominantSpeakerID: endpointID,
	})
	return data
}

func tierCommandMessage(kind string, tier types.SimulcastTier) []byte {
	payload := TierCommandPayload{
		PrimarySSRC: uint32(tier.PrimarySSRC),
	}
	for _, ssrc := range tier.AssociatedSSRCs {
		payload.AssociatedSSRCs = append(payload.AssociatedSSRCs, uint32(ssrc))
	}
	data, _ := json.Marshal(&TierCommandMessage{
		Kind: kind,
		Tier: payload,
	})
	return data
}
