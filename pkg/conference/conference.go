package conference

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/utils"
)

const dataChannelSendWorkers = 4

type ConferenceParams struct {
	ID string
	// Focus, when set, is the only actor allowed to manage the conference.
	// Enforcement happens at the signaling boundary; the conference only
	// stores the value.
	Focus string

	SpeechActivity types.SpeechActivity

	NewEndpoint         func(id string) types.Endpoint
	NewContent          func(name string) types.Content
	NewTransportManager func(bundleID string) (types.TransportManager, error)
	NewEventSink        func(dir string) (types.RecorderEventSink, error)
	NewEndpointSink     func(dir string) (types.EndpointMetadataSink, error)

	RecordingEnabled bool
	RecordingPath    string

	// SpeakerOrderDebounce delays ranked-speaker pushes; 0 pushes immediately.
	SpeakerOrderDebounce time.Duration

	Bridge                  types.BridgeInfo
	OnRecordingStateChanged func(conferenceID string, recording bool, path string)

	Logger logger.Logger
}

// Conference is the aggregate root of one bridged session. All lifecycle
// notifications from the surrounding system enter here and are routed to the
// owning sub-component; every entry point may run concurrently with every
// other one.
type Conference struct {
	params ConferenceParams

	expired      atomic.Bool
	done         core.Fuse
	lastActivity atomic.Int64

	focusLock      sync.RWMutex
	lastKnownFocus string

	contentsLock sync.Mutex
	contents     *orderedmap.OrderedMap[string, types.Content]

	registry  *EndpointRegistry
	simulcast *simulcastQualityController
	readiness *readinessDispatcher
	recording *recordingController
	bundles   *TransportBundleRegistry

	sendLock             sync.RWMutex
	sendStopped          bool
	sendPool             *workerpool.WorkerPool
	speakerOrderDebounce func(func())

	onExpired func(c *Conference)
}

func NewConference(params ConferenceParams) *Conference {
	if params.ID == "" {
		panic("conference: ID is required")
	}
	if params.SpeechActivity == nil {
		panic("conference: SpeechActivity is required")
	}
	if params.NewEndpoint == nil || params.NewContent == nil {
		panic("conference: endpoint and content factories are required")
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	c := &Conference{
		params:         params,
		lastKnownFocus: params.Focus,
		contents:       orderedmap.NewOrderedMap[string, types.Content](),
		sendPool:       workerpool.New(dataChannelSendWorkers),
	}

	c.registry = NewEndpointRegistry(EndpointRegistryParams{
		NewEndpoint: params.NewEndpoint,
		OnCreated: func(ep types.Endpoint) {
			ep.OnSelectionChanged(c.handleSelectionChanged)
			ep.OnDataChannelChanged(c.handleDataChannelChanged)
		},
		Logger: params.Logger,
	})

	c.simulcast = newSimulcastQualityController(simulcastQualityControllerParams{
		Registry: c.registry,
		Logger:   params.Logger,
	})

	c.readiness = newReadinessDispatcher(readinessDispatcherParams{
		ObserverKey:    "readiness/" + params.ID,
		Registry:       c.registry,
		SpeechActivity: params.SpeechActivity,
		IsExpired:      c.IsExpired,
		Logger:         params.Logger,
	})

	c.recording = newRecordingController(recordingControllerParams{
		ConferenceID:    params.ID,
		Enabled:         params.RecordingEnabled,
		BasePath:        params.RecordingPath,
		Contents:        c.Contents,
		Endpoints:       c.registry.All,
		NewEventSink:    params.NewEventSink,
		NewEndpointSink: params.NewEndpointSink,
		OnStateChanged: func(recording bool, path string) {
			if params.OnRecordingStateChanged != nil {
				params.OnRecordingStateChanged(params.ID, recording, path)
			}
		},
		Logger: params.Logger,
	})

	c.bundles = NewTransportBundleRegistry(params.NewTransportManager)

	if params.SpeakerOrderDebounce > 0 {
		c.speakerOrderDebounce = debounce.New(params.SpeakerOrderDebounce)
	}

	params.SpeechActivity.OnDominantSpeakerChanged(c.handleDominantSpeakerChanged)
	params.SpeechActivity.OnSpeakerOrderChanged(c.handleSpeakerOrderChanged)

	c.Touch()
	return c
}

func (c *Conference) ID() string {
	return c.params.ID
}

func (c *Conference) Focus() string {
	return c.params.Focus
}

func (c *Conference) LastKnownFocus() string {
	c.focusLock.RLock()
	defer c.focusLock.RUnlock()
	return c.lastKnownFocus
}

func (c *Conference) SetLastKnownFocus(focus string) {
	c.focusLock.Lock()
	defer c.focusLock.Unlock()
	c.lastKnownFocus = focus
}

func (c *Conference) IsExpired() bool {
	return c.expired.Load()
}

// Done is closed once the conference has fully expired.
func (c *Conference) Done() <-chan struct{} {
	return c.done.Watch()
}

// Touch moves the last-activity timestamp forward; it never goes back.
func (c *Conference) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := c.lastActivity.Load()
		if prev >= now || c.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (c *Conference) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conference) OnExpired(f func(c *Conference)) {
	c.onExpired = f
}

// GetOrCreateEndpoint returns the endpoint with the given id, constructing
// and registering it when absent. Returns nil on an expired conference.
func (c *Conference) GetOrCreateEndpoint(id string) types.Endpoint {
	if c.IsExpired() {
		return nil
	}
	c.Touch()
	return c.registry.GetOrCreate(id)
}

func (c *Conference) GetEndpoint(id string) types.Endpoint {
	return c.registry.Resolve(id)
}

func (c *Conference) GetEndpoints() []types.Endpoint {
	return c.registry.All()
}

func (c *Conference) NumEndpoints() int {
	return c.registry.Count()
}

// EndpointsChangedNotifier reports changes to the endpoint set: a new
// endpoint registered, or dead handles reaped during a traversal.
func (c *Conference) EndpointsChangedNotifier() *utils.ChangeNotifier {
	return c.registry.ChangedNotifier()
}

// GetOrCreateContent returns the content with the given name, creating it if
// needed. A content created while recording is active starts recording
// immediately with the conference's directory. Lookup-or-create is atomic: a
// concurrent caller never observes a duplicate.
func (c *Conference) GetOrCreateContent(name string) types.Content {
	if c.IsExpired() {
		return nil
	}
	c.Touch()

	// read recording state before taking the contents lock; the recording
	// controller walks contents under its own lock
	recording := c.recording.recordingFlag()
	recordingPath := c.recording.Path()

	c.contentsLock.Lock()
	if content, ok := c.contents.Get(name); ok {
		content.Touch()
		c.contentsLock.Unlock()
		return content
	}

	content := c.params.NewContent(name)
	if recording {
		if err := content.StartRecording(recordingPath); err != nil {
			c.params.Logger.Warnw("could not start recording new content", err,
				"conference", c.ID(), "content", name)
		}
	}
	c.contents.Set(name, content)
	c.contentsLock.Unlock()

	c.params.Logger.Infow("created content",
		append([]interface{}{"conference", c.ID(), "content", name}, c.bridgeCounts()...)...)
	return content
}

// Contents returns a snapshot of the contents in creation order.
func (c *Conference) Contents() []types.Content {
	c.contentsLock.Lock()
	defer c.contentsLock.Unlock()

	contents := make([]types.Content, 0, c.contents.Len())
	for el := c.contents.Front(); el != nil; el = el.Next() {
		contents = append(contents, el.Value)
	}
	return contents
}

// ExpireContent expires a single content if it still belongs to this
// conference, otherwise does nothing.
func (c *Conference) ExpireContent(content types.Content) {
	c.contentsLock.Lock()
	existing, ok := c.contents.Get(content.Name())
	if ok && existing == content {
		c.contents.Delete(content.Name())
	} else {
		ok = false
	}
	c.contentsLock.Unlock()

	if !ok {
		return
	}
	if err := content.Expire(); err != nil {
		c.params.Logger.Warnw("could not expire content", err,
			"conference", c.ID(), "content", content.Name())
	}
}

// NumChannels counts channels across all contents.
func (c *Conference) NumChannels() int {
	n := 0
	for _, content := range c.Contents() {
		n += len(content.Channels())
	}
	return n
}

// FindChannelByReceiveStream locates the channel of the given media type that
// receives the stream.
func (c *Conference) FindChannelByReceiveStream(ssrc webrtc.SSRC, mediaType types.MediaType) types.Channel {
	for _, content := range c.Contents() {
		if content.MediaType() != mediaType {
			continue
		}
		if channel := content.FindChannelByReceiveStream(ssrc); channel != nil {
			return channel
		}
	}
	return nil
}

// FindEndpointByReceiveStream locates the endpoint sending the stream.
func (c *Conference) FindEndpointByReceiveStream(ssrc webrtc.SSRC, mediaType types.MediaType) types.Endpoint {
	channel := c.FindChannelByReceiveStream(ssrc, mediaType)
	if channel == nil {
		return nil
	}
	return c.registry.Resolve(channel.EndpointID())
}

// UpdateEndpoint applies signaled endpoint metadata and, when recording,
// refreshes the endpoint metadata sink.
func (c *Conference) UpdateEndpoint(id, displayName string) {
	if id == "" {
		return
	}
	ep := c.registry.Resolve(id)
	if ep == nil {
		return
	}
	ep.SetDisplayName(displayName)
	if c.IsRecording() {
		c.recording.UpdateEndpoint(ep)
	}
}

// SetRecording asks for the recording state and returns the state reached.
// On an expired conference recording is always off.
func (c *Conference) SetRecording(recording bool) bool {
	if c.IsExpired() {
		return false
	}
	c.Touch()
	return c.recording.SetRecording(recording)
}

func (c *Conference) IsRecording() bool {
	return c.recording.IsRecording()
}

func (c *Conference) RecordingPath() string {
	return c.recording.Path()
}

// GetOrCreateTransportManager returns the transport manager responsible for
// the channel bundle, creating it when absent.
func (c *Conference) GetOrCreateTransportManager(bundleID string) (types.TransportManager, error) {
	if c.IsExpired() {
		return nil, ErrConferenceExpired
	}
	c.Touch()
	return c.bundles.GetOrCreate(bundleID)
}

func (c *Conference) GetTransportManager(bundleID string) types.TransportManager {
	return c.bundles.Get(bundleID)
}

// Expire tears the conference down: recording off, bridge accounting
// notified, every content expired, transports closed. Idempotent; late
// invocations are no-ops.
func (c *Conference) Expire() {
	if !c.expired.CompareAndSwap(false, true) {
		return
	}

	c.recording.SetRecording(false)

	c.sendLock.Lock()
	c.sendStopped = true
	c.sendLock.Unlock()
	c.sendPool.Stop()

	if c.onExpired != nil {
		c.onExpired(c)
	}

	for _, content := range c.Contents() {
		if err := content.Expire(); err != nil {
			c.params.Logger.Warnw("could not expire content", err,
				"conference", c.ID(), "content", content.Name())
		}
	}

	c.bundles.Close()
	c.done.Break()

	c.params.Logger.Infow("expired conference", append([]interface{}{"conference", c.ID()}, c.bridgeCounts()...)...)
}

func (c *Conference) handleSelectionChanged(ep types.Endpoint, oldID, newID string) {
	if c.IsExpired() {
		return
	}
	c.simulcast.SelectionChanged(ep, oldID, newID)
}

func (c *Conference) handleDataChannelChanged(ep types.Endpoint, old, new types.DataChannelTransport) {
	if c.IsExpired() {
		return
	}
	c.readiness.TransportChanged(old, new)
}

func (c *Conference) bridgeCounts() []interface{} {
	if c.params.Bridge == nil {
		return nil
	}
	return []interface{}{
		"numConferences", c.params.Bridge.NumConferences(),
		"numChannels", c.params.Bridge.NumChannels(),
	}
}
