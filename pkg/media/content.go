package media

import (
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/telemetry/prometheus"
)

var ErrContentExpired = errors.New("content expired")

// Content is one media type's set of channels within a conference.
type Content struct {
	conf      *conferenceState
	name      string
	mediaType types.MediaType
	logger    logger.Logger

	expired      atomic.Bool
	lastActivity atomic.Int64

	lock     sync.Mutex
	channels []*Channel
	owners   map[*Channel]*Endpoint

	recording bool
	recorder  *Recorder
}

func newContent(conf *conferenceState, name string, l logger.Logger) *Content {
	c := &Content{
		conf:      conf,
		name:      name,
		mediaType: mediaTypeForName(name),
		logger:    l,
		owners:    make(map[*Channel]*Endpoint),
	}
	c.Touch()
	return c
}

func mediaTypeForName(name string) types.MediaType {
	switch name {
	case "audio":
		return types.MediaTypeAudio
	case "video":
		return types.MediaTypeVideo
	default:
		return types.MediaTypeData
	}
}

func (c *Content) Name() string {
	return c.name
}

func (c *Content) MediaType() types.MediaType {
	return c.mediaType
}

func (c *Content) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Content) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Content) IsExpired() bool {
	return c.expired.Load()
}

func (c *Content) Channels() []types.Channel {
	c.lock.Lock()
	defer c.lock.Unlock()

	channels := make([]types.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

// GetOrCreateChannel returns the channel with the given id, creating and
// attaching it to its endpoint when absent.
func (c *Content) GetOrCreateChannel(channelID, endpointID string) types.Channel {
	c.Touch()

	c.lock.Lock()
	for _, ch := range c.channels {
		if ch.ID() == channelID {
			c.lock.Unlock()
			return ch
		}
	}

	ch := newChannel(channelID, endpointID, c.mediaType)
	c.channels = append(c.channels, ch)
	owner := c.conf.endpoint(endpointID)
	if owner != nil {
		c.owners[ch] = owner
	}
	c.lock.Unlock()

	if owner != nil {
		owner.addChannel(c.mediaType, ch)
	}
	prometheus.AddChannel()
	return ch
}

func (c *Content) FindChannelByReceiveStream(ssrc webrtc.SSRC) types.Channel {
	c.lock.Lock()
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.lock.Unlock()

	for _, ch := range channels {
		if ch.receivesStream(ssrc) {
			return ch
		}
	}
	return nil
}

func (c *Content) AskForKeyframes(endpointIDs map[string]struct{}) {
	ids := make([]string, 0, len(endpointIDs))
	for id := range endpointIDs {
		ids = append(ids, id)
	}
	c.logger.Debugw("requesting keyframes", "content", c.name, "endpoints", ids)
}

func (c *Content) IsRecording() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.recording
}

func (c *Content) StartRecording(path string) error {
	if c.IsExpired() {
		return ErrContentExpired
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.recording {
		return nil
	}
	c.recording = true
	c.recorder = NewRecorder(path)
	return nil
}

func (c *Content) StopRecording() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.recording = false
	c.recorder = nil
}

func (c *Content) Recorder() types.Recorder {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.recorder == nil {
		return nil
	}
	return c.recorder
}

// FeedKnownStreamsToSynchronizer maps every already-signaled receive stream
// to its endpoint on the shared timeline.
func (c *Content) FeedKnownStreamsToSynchronizer() {
	c.lock.Lock()
	recorder := c.recorder
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.lock.Unlock()

	if recorder == nil {
		return
	}
	synchronizer := recorder.Synchronizer()
	for _, ch := range channels {
		ch.lock.Lock()
		ssrcs := make([]webrtc.SSRC, len(ch.receiveSSRCs))
		copy(ssrcs, ch.receiveSSRCs)
		ch.lock.Unlock()

		for _, ssrc := range ssrcs {
			synchronizer.MapStreamToEndpoint(ssrc, ch.EndpointID())
		}
	}
}

// Expire detaches every channel from its endpoint and stops recording.
// Idempotent.
func (c *Content) Expire() error {
	if !c.expired.CompareAndSwap(false, true) {
		return nil
	}

	c.lock.Lock()
	channels := c.channels
	owners := c.owners
	c.channels = nil
	c.owners = make(map[*Channel]*Endpoint)
	c.recording = false
	c.recorder = nil
	c.lock.Unlock()

	for _, ch := range channels {
		if owner := owners[ch]; owner != nil {
			owner.removeChannel(c.mediaType, ch)
		}
		prometheus.SubChannel()
	}
	return nil
}

// Recorder tracks the recording session of one content. The synchronizer is
// shared across contents so every stream lands on one timeline.
type Recorder struct {
	path string

	lock sync.Mutex
	sync types.Synchronizer
}

func NewRecorder(path string) *Recorder {
	return &Recorder{
		path: path,
		sync: NewSynchronizer(),
	}
}

func (r *Recorder) Path() string {
	return r.path
}

func (r *Recorder) Synchronizer() types.Synchronizer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sync
}

func (r *Recorder) SetSynchronizer(s types.Synchronizer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sync = s
}

// Synchronizer keeps the stream-to-endpoint mapping of a recording timeline.
type Synchronizer struct {
	lock    sync.Mutex
	streams map[webrtc.SSRC]string
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		streams: make(map[webrtc.SSRC]string),
	}
}

func (s *Synchronizer) MapStreamToEndpoint(ssrc webrtc.SSRC, endpointID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.streams[ssrc] = endpointID
}

func (s *Synchronizer) EndpointForStream(ssrc webrtc.SSRC) string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.streams[ssrc]
}
