package conference

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

type fakeSpeechActivity struct {
	lock     sync.Mutex
	dominant string
	ranked   []string

	onDominant []func()
	onOrder    []func()
}

func (f *fakeSpeechActivity) DominantEndpointID() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dominant
}

func (f *fakeSpeechActivity) RankedEndpointIDs() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.ranked...)
}

func (f *fakeSpeechActivity) OnDominantSpeakerChanged(fn func()) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onDominant = append(f.onDominant, fn)
}

func (f *fakeSpeechActivity) OnSpeakerOrderChanged(fn func()) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onOrder = append(f.onOrder, fn)
}

func (f *fakeSpeechActivity) setDominant(id string) {
	f.lock.Lock()
	f.dominant = id
	handlers := append([](func())(nil), f.onDominant...)
	f.lock.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeSpeechActivity) setRanked(ids []string) {
	f.lock.Lock()
	f.ranked = ids
	handlers := append([](func())(nil), f.onOrder...)
	f.lock.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type fakeDataChannel struct {
	endpointID string

	lock      sync.Mutex
	ready     bool
	expired   bool
	observers map[string]func()
}

func newFakeDataChannel(endpointID string) *fakeDataChannel {
	return &fakeDataChannel{
		endpointID: endpointID,
		observers:  make(map[string]func()),
	}
}

func (d *fakeDataChannel) EndpointID() string {
	return d.endpointID
}

func (d *fakeDataChannel) IsReady() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.ready
}

func (d *fakeDataChannel) IsExpired() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.expired
}

func (d *fakeDataChannel) AddReadyObserver(key string, onReady func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.observers[key] = onReady
}

func (d *fakeDataChannel) RemoveReadyObserver(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.observers, key)
}

func (d *fakeDataChannel) numObservers() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.observers)
}

// setReady flips the flag and runs the observers, like a real transport's
// readiness signal.
func (d *fakeDataChannel) setReady() {
	d.lock.Lock()
	d.ready = true
	observers := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.lock.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// fireObservers replays the readiness signal without state change, to model a
// transport that signals more than once.
func (d *fakeDataChannel) fireObservers() {
	d.lock.Lock()
	observers := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.lock.Unlock()
	for _, fn := range observers {
		fn()
	}
}

type fakeEndpoint struct {
	id string

	lock        sync.Mutex
	displayName string
	closed      bool
	selected    string
	dc          types.DataChannelTransport
	channels    map[types.MediaType][]types.Channel
	sent        [][]byte
	sendErr     error
	// interleaved record of sends and ready notifications, for ordering checks
	events []string

	selHandlers []func(ep types.Endpoint, oldID, newID string)
	dcHandlers  []func(ep types.Endpoint, old, new types.DataChannelTransport)
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{
		id:       id,
		channels: make(map[types.MediaType][]types.Channel),
	}
}

func (e *fakeEndpoint) ID() string {
	return e.id
}

func (e *fakeEndpoint) DisplayName() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.displayName
}

func (e *fakeEndpoint) SetDisplayName(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.displayName = name
}

func (e *fakeEndpoint) IsClosed() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.closed
}

func (e *fakeEndpoint) close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.closed = true
}

func (e *fakeEndpoint) SelectedEndpointID() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.selected
}

// setSelected mimics a signaled selection change, firing the registered
// handlers.
func (e *fakeEndpoint) setSelected(id string) {
	e.lock.Lock()
	old := e.selected
	e.selected = id
	handlers := append([](func(ep types.Endpoint, oldID, newID string))(nil), e.selHandlers...)
	e.lock.Unlock()
	for _, fn := range handlers {
		fn(e, old, id)
	}
}

// setSelectedQuiet sets the field without firing handlers.
func (e *fakeEndpoint) setSelectedQuiet(id string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.selected = id
}

func (e *fakeEndpoint) DataChannel() types.DataChannelTransport {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.dc
}

func (e *fakeEndpoint) setDataChannel(dc types.DataChannelTransport) {
	e.lock.Lock()
	old := e.dc
	e.dc = dc
	handlers := append([](func(ep types.Endpoint, old, new types.DataChannelTransport))(nil), e.dcHandlers...)
	e.lock.Unlock()
	for _, fn := range handlers {
		fn(e, old, dc)
	}
}

func (e *fakeEndpoint) SendMessageOnDataChannel(data []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, data)
	e.events = append(e.events, "send")
	return nil
}

func (e *fakeEndpoint) DataChannelReady(t types.DataChannelTransport) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.events = append(e.events, "ready")
}

func (e *fakeEndpoint) sentMessages() [][]byte {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([][]byte(nil), e.sent...)
}

func (e *fakeEndpoint) eventLog() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]string(nil), e.events...)
}

func (e *fakeEndpoint) GetChannels(mediaType types.MediaType) []types.Channel {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]types.Channel(nil), e.channels[mediaType]...)
}

func (e *fakeEndpoint) addChannel(mediaType types.MediaType, ch types.Channel) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.channels[mediaType] = append(e.channels[mediaType], ch)
}

func (e *fakeEndpoint) OnSelectionChanged(fn func(ep types.Endpoint, oldID, newID string)) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.selHandlers = append(e.selHandlers, fn)
}

func (e *fakeEndpoint) OnDataChannelChanged(fn func(ep types.Endpoint, old, new types.DataChannelTransport)) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.dcHandlers = append(e.dcHandlers, fn)
}

type fakeChannel struct {
	id         string
	endpointID string

	lock          sync.Mutex
	tiers         []types.SimulcastTier
	receiveSSRCs  []webrtc.SSRC
	weights       []map[string]int
	speakerOrders [][]string
	needKeyframes []string
}

func (c *fakeChannel) ID() string {
	return c.id
}

func (c *fakeChannel) EndpointID() string {
	return c.endpointID
}

func (c *fakeChannel) SimulcastTiers() []types.SimulcastTier {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]types.SimulcastTier(nil), c.tiers...)
}

func (c *fakeChannel) SetReceiveSimulcastWeights(weights map[string]int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.weights = append(c.weights, weights)
}

func (c *fakeChannel) lastWeights() map[string]int {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.weights) == 0 {
		return nil
	}
	return c.weights[len(c.weights)-1]
}

func (c *fakeChannel) SpeakerOrderChanged(rankedIDs []string) []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.speakerOrders = append(c.speakerOrders, rankedIDs)
	return append([]string(nil), c.needKeyframes...)
}

func (c *fakeChannel) Update(d *types.ChannelDescription) {}

func (c *fakeChannel) Describe(d *types.ChannelDescription) {
	c.lock.Lock()
	defer c.lock.Unlock()
	d.ID = c.id
	d.Endpoint = c.endpointID
	for _, ssrc := range c.receiveSSRCs {
		d.SSRCs = append(d.SSRCs, uint32(ssrc))
	}
}

type fakeContent struct {
	name      string
	mediaType types.MediaType

	lock           sync.Mutex
	channels       []types.Channel
	recording      bool
	recordingPaths []string
	startErr       error
	stopCalls      int
	feedCalls      int
	touchCalls     int
	expireCalls    int
	expireErr      error
	recorder       *fakeRecorder
	askedKeyframes []map[string]struct{}
}

func newFakeContent(name string) *fakeContent {
	mt := types.MediaTypeData
	switch name {
	case "audio":
		mt = types.MediaTypeAudio
	case "video":
		mt = types.MediaTypeVideo
	}
	return &fakeContent{
		name:      name,
		mediaType: mt,
		recorder:  &fakeRecorder{sync: &fakeSynchronizer{mapped: make(map[webrtc.SSRC]string)}},
	}
}

func (c *fakeContent) Name() string {
	return c.name
}

func (c *fakeContent) MediaType() types.MediaType {
	return c.mediaType
}

func (c *fakeContent) Channels() []types.Channel {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]types.Channel(nil), c.channels...)
}

func (c *fakeContent) GetOrCreateChannel(channelID, endpointID string) types.Channel {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, ch := range c.channels {
		if ch.ID() == channelID {
			return ch
		}
	}
	ch := &fakeChannel{id: channelID, endpointID: endpointID}
	c.channels = append(c.channels, ch)
	return ch
}

func (c *fakeContent) FindChannelByReceiveStream(ssrc webrtc.SSRC) types.Channel {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, ch := range c.channels {
		fc, ok := ch.(*fakeChannel)
		if !ok {
			continue
		}
		for _, s := range fc.receiveSSRCs {
			if s == ssrc {
				return ch
			}
		}
	}
	return nil
}

func (c *fakeContent) AskForKeyframes(endpointIDs map[string]struct{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.askedKeyframes = append(c.askedKeyframes, endpointIDs)
}

func (c *fakeContent) IsRecording() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.recording
}

func (c *fakeContent) setRecording(recording bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.recording = recording
}

func (c *fakeContent) StartRecording(path string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.recording = true
	c.recordingPaths = append(c.recordingPaths, path)
	return nil
}

func (c *fakeContent) StopRecording() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.recording = false
	c.stopCalls++
}

func (c *fakeContent) Recorder() types.Recorder {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.recorder == nil {
		return nil
	}
	return c.recorder
}

func (c *fakeContent) FeedKnownStreamsToSynchronizer() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.feedCalls++
}

func (c *fakeContent) Touch() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.touchCalls++
}

func (c *fakeContent) Expire() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.expireCalls++
	return c.expireErr
}

func (c *fakeContent) addChannel(ch types.Channel) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.channels = append(c.channels, ch)
}

func (c *fakeContent) numStartCalls() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.recordingPaths)
}

func (c *fakeContent) numStopCalls() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stopCalls
}

func (c *fakeContent) numExpireCalls() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.expireCalls
}

func (c *fakeContent) keyframeAsks() []map[string]struct{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]map[string]struct{}(nil), c.askedKeyframes...)
}

type fakeRecorder struct {
	lock    sync.Mutex
	sync    types.Synchronizer
	setWith []types.Synchronizer
}

func (r *fakeRecorder) Synchronizer() types.Synchronizer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sync
}

func (r *fakeRecorder) SetSynchronizer(s types.Synchronizer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sync = s
	r.setWith = append(r.setWith, s)
}

type fakeSynchronizer struct {
	lock   sync.Mutex
	mapped map[webrtc.SSRC]string
}

func (s *fakeSynchronizer) MapStreamToEndpoint(ssrc webrtc.SSRC, endpointID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.mapped[ssrc] = endpointID
}

type fakeEventSink struct {
	lock   sync.Mutex
	events []*types.RecorderEvent
	closed bool
}

func (s *fakeEventSink) WriteEvent(ev *types.RecorderEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeEventSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *fakeEventSink) writtenEvents() []*types.RecorderEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*types.RecorderEvent(nil), s.events...)
}

func (s *fakeEventSink) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

type fakeEndpointSink struct {
	lock    sync.Mutex
	updates map[string]string
	closed  bool
}

func newFakeEndpointSink() *fakeEndpointSink {
	return &fakeEndpointSink{updates: make(map[string]string)}
}

func (s *fakeEndpointSink) UpdateEndpoint(id, displayName string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.updates[id] = displayName
	return nil
}

func (s *fakeEndpointSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *fakeEndpointSink) get(id string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	name, ok := s.updates[id]
	return name, ok
}

// testEnv wires a conference to fakes for every collaborator.
type testEnv struct {
	conf   *Conference
	speech *fakeSpeechActivity

	lock      sync.Mutex
	endpoints map[string]*fakeEndpoint
	contents  map[string]*fakeContent

	eventSink    *fakeEventSink
	endpointSink *fakeEndpointSink

	stateLock       sync.Mutex
	recordingStates []bool
}

type testEnvOpts struct {
	recordingEnabled     bool
	recordingPath        string
	speakerOrderDebounce time.Duration
}

func newTestEnv(t *testing.T, opts testEnvOpts) *testEnv {
	t.Helper()

	env := &testEnv{
		speech:       &fakeSpeechActivity{},
		endpoints:    make(map[string]*fakeEndpoint),
		contents:     make(map[string]*fakeContent),
		eventSink:    &fakeEventSink{},
		endpointSink: newFakeEndpointSink(),
	}

	env.conf = NewConference(ConferenceParams{
		ID:             "CF-test",
		Focus:          "focus@example.com",
		SpeechActivity: env.speech,
		NewEndpoint: func(id string) types.Endpoint {
			ep := newFakeEndpoint(id)
			env.lock.Lock()
			env.endpoints[id] = ep
			env.lock.Unlock()
			return ep
		},
		NewContent: func(name string) types.Content {
			content := newFakeContent(name)
			env.lock.Lock()
			env.contents[name] = content
			env.lock.Unlock()
			return content
		},
		NewTransportManager: func(bundleID string) (types.TransportManager, error) {
			return &fakeTransportManager{bundleID: bundleID}, nil
		},
		NewEventSink: func(dir string) (types.RecorderEventSink, error) {
			return env.eventSink, nil
		},
		NewEndpointSink: func(dir string) (types.EndpointMetadataSink, error) {
			return env.endpointSink, nil
		},
		RecordingEnabled:     opts.recordingEnabled,
		RecordingPath:        opts.recordingPath,
		SpeakerOrderDebounce: opts.speakerOrderDebounce,
		OnRecordingStateChanged: func(conferenceID string, recording bool, path string) {
			env.stateLock.Lock()
			env.recordingStates = append(env.recordingStates, recording)
			env.stateLock.Unlock()
		},
	})
	return env
}

func (env *testEnv) endpoint(id string) *fakeEndpoint {
	env.lock.Lock()
	defer env.lock.Unlock()
	return env.endpoints[id]
}

func (env *testEnv) content(name string) *fakeContent {
	env.lock.Lock()
	defer env.lock.Unlock()
	return env.contents[name]
}

func (env *testEnv) states() []bool {
	env.stateLock.Lock()
	defer env.stateLock.Unlock()
	return append([]bool(nil), env.recordingStates...)
}

type fakeTransportManager struct {
	bundleID string
	lock     sync.Mutex
	closed   bool
}

func (m *fakeTransportManager) Describe(d *types.ChannelBundleDescription) {
	d.Transport = &types.TransportDescription{Ufrag: "ufrag-" + m.bundleID, Pwd: "pwd"}
}

func (m *fakeTransportManager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	return nil
}

// addVideoSender gives an endpoint a video channel with the supplied tiers
// and a ready data channel, making it a valid tier-command target.
func (env *testEnv) addVideoSender(t *testing.T, id string, numTiers int) *fakeEndpoint {
	t.Helper()

	ep, ok := env.conf.GetOrCreateEndpoint(id).(*fakeEndpoint)
	require.True(t, ok)

	tiers := make([]types.SimulcastTier, 0, numTiers)
	for i := 0; i < numTiers; i++ {
		tiers = append(tiers, types.SimulcastTier{PrimarySSRC: webrtc.SSRC(1000*i + 1)})
	}
	ch := &fakeChannel{id: "CH-" + id, endpointID: id, tiers: tiers}
	ep.addChannel(types.MediaTypeVideo, ch)

	dc := newFakeDataChannel(id)
	dc.ready = true
	ep.lock.Lock()
	ep.dc = dc
	ep.lock.Unlock()
	return ep
}
