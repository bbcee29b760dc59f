package types

import (
	"github.com/pion/webrtc/v3"
)

type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeData  MediaType = "data"
)

// NotWatchingVideo is the distinguished selection value an endpoint signals
// when it is deliberately not watching anyone. An empty selection means the
// endpoint has not signaled a selection yet, which is not the same thing:
// an unsignaled endpoint might be watching anybody.
const NotWatchingVideo = "-"

// SimulcastTier is one quality variant of a sender's stream. Tiers are
// reported in ascending quality order, so the last tier is the highest.
type SimulcastTier struct {
	PrimarySSRC     webrtc.SSRC
	AssociatedSSRCs []webrtc.SSRC
}

// DataChannelTransport is the endpoint's control messaging leg (SCTP or
// similar). It is owned by the transport layer; the conference only observes
// readiness and expiry.
type DataChannelTransport interface {
	EndpointID() string
	IsReady() bool
	IsExpired() bool
	AddReadyObserver(key string, onReady func())
	RemoveReadyObserver(key string)
}

// Endpoint is one user's session within a conference. The conference registry
// does not own endpoints; IsClosed is the liveness probe it reaps on.
type Endpoint interface {
	ID() string
	DisplayName() string
	SetDisplayName(name string)
	IsClosed() bool

	// SelectedEndpointID returns the id of the endpoint this one is watching,
	// NotWatchingVideo, or "" when no selection has been signaled yet.
	SelectedEndpointID() string

	DataChannel() DataChannelTransport
	SendMessageOnDataChannel(data []byte) error
	// DataChannelReady tells the endpoint its transport is operational so it
	// can flush buffered initial state.
	DataChannelReady(t DataChannelTransport)

	GetChannels(mediaType MediaType) []Channel

	OnSelectionChanged(f func(ep Endpoint, oldID, newID string))
	OnDataChannelChanged(f func(ep Endpoint, old, new DataChannelTransport))
}

// Channel is one media stream leg belonging to an endpoint within a Content.
type Channel interface {
	ID() string
	EndpointID() string

	// SimulcastTiers reports the sender-side tiers, ascending quality.
	SimulcastTiers() []SimulcastTier
	// SetReceiveSimulcastWeights replaces the receiver-side desired-quality
	// assignment, keyed by sending endpoint id.
	SetReceiveSimulcastWeights(weights map[string]int)

	// SpeakerOrderChanged hands the channel the new ranked speaker list and
	// returns the ids of endpoints the channel needs fresh keyframes from.
	SpeakerOrderChanged(rankedIDs []string) []string

	// Update applies signaled channel state (receive streams, ssrc groups).
	Update(d *ChannelDescription)
	Describe(d *ChannelDescription)
}

// Content is one media type's set of channels within a conference.
type Content interface {
	Name() string
	MediaType() MediaType
	Channels() []Channel
	GetOrCreateChannel(channelID, endpointID string) Channel
	FindChannelByReceiveStream(ssrc webrtc.SSRC) Channel
	AskForKeyframes(endpointIDs map[string]struct{})

	IsRecording() bool
	StartRecording(path string) error
	StopRecording()
	Recorder() Recorder
	FeedKnownStreamsToSynchronizer()

	Touch()
	Expire() error
}

// SpeechActivity ranks the conference's speakers. It emits two notification
// kinds: the dominant speaker switched, and the ranked order changed.
type SpeechActivity interface {
	DominantEndpointID() string
	RankedEndpointIDs() []string
	OnDominantSpeakerChanged(f func())
	OnSpeakerOrderChanged(f func())
}

// Synchronizer aligns multiple recorded streams to one timeline. All contents
// of a recording share a single instance.
type Synchronizer interface {
	MapStreamToEndpoint(ssrc webrtc.SSRC, endpointID string)
}

type Recorder interface {
	Synchronizer() Synchronizer
	SetSynchronizer(s Synchronizer)
}

// RecorderEvent is a JSON-serializable recording metadata event.
type RecorderEvent struct {
	Type       string `json:"type"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

const RecorderEventDominantSpeaker = "DOMINANT_SPEAKER_CHANGED"

type RecorderEventSink interface {
	WriteEvent(ev *RecorderEvent) error
	Close() error
}

type EndpointMetadataSink interface {
	UpdateEndpoint(id, displayName string) error
	Close() error
}

// TransportManager carries all media legs of one signaling bundle.
type TransportManager interface {
	Describe(d *ChannelBundleDescription)
	Close() error
}

// BridgeInfo exposes process-wide counts, for logging only.
type BridgeInfo interface {
	NumConferences() int
	NumChannels() int
}
