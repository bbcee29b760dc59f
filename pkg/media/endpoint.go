package media

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/telemetry/prometheus"
)

var ErrNoDataChannel = errors.New("no data channel")

// pendingMessageLimit bounds how many messages an endpoint buffers while its
// data channel is not yet operational. The oldest message is dropped first.
const pendingMessageLimit = 64

// Endpoint is one user's signaled session state.
type Endpoint struct {
	id     string
	send   func(data []byte)
	closed atomic.Bool

	lock        sync.Mutex
	displayName string
	selected    string
	dataChannel *DataChannel
	channels    map[types.MediaType][]types.Channel
	pending     [][]byte

	onSelectionChanged   []func(ep types.Endpoint, oldID, newID string)
	onDataChannelChanged []func(ep types.Endpoint, old, new types.DataChannelTransport)
}

func newEndpoint(id string, send func(data []byte)) *Endpoint {
	return &Endpoint{
		id:       id,
		send:     send,
		channels: make(map[types.MediaType][]types.Channel),
	}
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) DisplayName() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.displayName
}

func (e *Endpoint) SetDisplayName(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.displayName = name
}

func (e *Endpoint) IsClosed() bool {
	return e.closed.Load()
}

func (e *Endpoint) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.lock.Lock()
	dc := e.dataChannel
	e.lock.Unlock()
	if dc != nil {
		dc.Expire()
	}
	prometheus.SubEndpoint()
}

func (e *Endpoint) SelectedEndpointID() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.selected
}

// SetSelectedEndpoint records which endpoint this one is watching and fires
// the selection-changed handlers with the old and new value.
func (e *Endpoint) SetSelectedEndpoint(id string) {
	e.lock.Lock()
	old := e.selected
	if old == id {
		e.lock.Unlock()
		return
	}
	e.selected = id
	handlers := make([]func(ep types.Endpoint, oldID, newID string), len(e.onSelectionChanged))
	copy(handlers, e.onSelectionChanged)
	e.lock.Unlock()

	for _, f := range handlers {
		f(e, old, id)
	}
}

func (e *Endpoint) DataChannel() types.DataChannelTransport {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.dataChannel == nil {
		return nil
	}
	return e.dataChannel
}

// SetDataChannel swaps the endpoint's data channel transport and fires the
// data-channel-changed handlers.
func (e *Endpoint) SetDataChannel(dc *DataChannel) {
	e.lock.Lock()
	old := e.dataChannel
	if old == dc {
		e.lock.Unlock()
		return
	}
	e.dataChannel = dc
	handlers := make([]func(ep types.Endpoint, old, new types.DataChannelTransport), len(e.onDataChannelChanged))
	copy(handlers, e.onDataChannelChanged)
	e.lock.Unlock()

	var oldT, newT types.DataChannelTransport
	if old != nil {
		oldT = old
	}
	if dc != nil {
		newT = dc
	}
	for _, f := range handlers {
		f(e, oldT, newT)
	}
}

// SendMessageOnDataChannel delivers the message if the transport is up, and
// buffers it otherwise so DataChannelReady can flush it.
func (e *Endpoint) SendMessageOnDataChannel(data []byte) error {
	if e.IsClosed() {
		return ErrNoDataChannel
	}

	e.lock.Lock()
	dc := e.dataChannel
	if dc == nil || !dc.IsReady() || dc.IsExpired() {
		if len(e.pending) >= pendingMessageLimit {
			e.pending = e.pending[1:]
		}
		e.pending = append(e.pending, data)
		e.lock.Unlock()
		return nil
	}
	e.lock.Unlock()

	e.send(data)
	return nil
}

// DataChannelReady flushes messages buffered while the transport was down.
func (e *Endpoint) DataChannelReady(t types.DataChannelTransport) {
	e.lock.Lock()
	if e.dataChannel == nil || types.DataChannelTransport(e.dataChannel) != t {
		e.lock.Unlock()
		return
	}
	pending := e.pending
	e.pending = nil
	e.lock.Unlock()

	for _, msg := range pending {
		e.send(msg)
	}
}

func (e *Endpoint) GetChannels(mediaType types.MediaType) []types.Channel {
	e.lock.Lock()
	defer e.lock.Unlock()

	channels := make([]types.Channel, len(e.channels[mediaType]))
	copy(channels, e.channels[mediaType])
	return channels
}

func (e *Endpoint) addChannel(mediaType types.MediaType, ch types.Channel) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.channels[mediaType] = append(e.channels[mediaType], ch)
}

func (e *Endpoint) removeChannel(mediaType types.MediaType, ch types.Channel) {
	e.lock.Lock()
	defer e.lock.Unlock()

	channels := e.channels[mediaType]
	for i, c := range channels {
		if c == ch {
			e.channels[mediaType] = append(channels[:i], channels[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) OnSelectionChanged(f func(ep types.Endpoint, oldID, newID string)) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.onSelectionChanged = append(e.onSelectionChanged, f)
}

func (e *Endpoint) OnDataChannelChanged(f func(ep types.Endpoint, old, new types.DataChannelTransport)) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.onDataChannelChanged = append(e.onDataChannelChanged, f)
}

// DataChannel is an endpoint's control messaging transport.
type DataChannel struct {
	endpointID string
	ready      atomic.Bool
	expired    atomic.Bool

	lock      sync.Mutex
	observers map[string]func()
}

func NewDataChannel(endpointID string) *DataChannel {
	return &DataChannel{
		endpointID: endpointID,
		observers:  make(map[string]func()),
	}
}

func (d *DataChannel) EndpointID() string {
	return d.endpointID
}

func (d *DataChannel) IsReady() bool {
	return d.ready.Load()
}

func (d *DataChannel) IsExpired() bool {
	return d.expired.Load()
}

// SetReady marks the transport operational and runs the ready observers.
func (d *DataChannel) SetReady() {
	if !d.ready.CompareAndSwap(false, true) {
		return
	}

	d.lock.Lock()
	observers := make([]func(), 0, len(d.observers))
	for _, f := range d.observers {
		observers = append(observers, f)
	}
	d.lock.Unlock()

	for _, f := range observers {
		f()
	}
}

func (d *DataChannel) Expire() {
	d.expired.Store(true)
}

func (d *DataChannel) AddReadyObserver(key string, onReady func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.observers[key] = onReady
}

func (d *DataChannel) RemoveReadyObserver(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.observers, key)
}
