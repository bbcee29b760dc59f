package conference

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

type recordingControllerParams struct {
	ConferenceID string
	Enabled      bool
	BasePath     string

	Contents  func() []types.Content
	Endpoints func() []types.Endpoint

	NewEventSink    func(dir string) (types.RecorderEventSink, error)
	NewEndpointSink func(dir string) (types.EndpointMetadataSink, error)

	// OnStateChanged observes committed transitions, outside the controller lock.
	OnStateChanged func(recording bool, path string)

	Logger logger.Logger
}

// recordingController reconciles the conference toward a binary recording
// target state. Enabling is all-or-nothing: any failure rolls the whole
// conference back to not-recording.
type recordingController struct {
	params recordingControllerParams

	lock         sync.Mutex
	recording    bool
	path         string
	eventSink    types.RecorderEventSink
	endpointSink types.EndpointMetadataSink
}

func newRecordingController(params recordingControllerParams) *recordingController {
	return &recordingController{params: params}
}

// Path returns the conference's recording directory, computing it on first
// use. Once computed it is stable for the life of the recording; Disable
// clears it so a later enable starts fresh.
func (rc *recordingController) Path() string {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.pathLocked()
}

func (rc *recordingController) pathLocked() string {
	if rc.path == "" && rc.params.Enabled && rc.params.BasePath != "" {
		rc.path = filepath.Join(
			rc.params.BasePath,
			time.Now().Format("2006-01-02.15-04-05")+"."+rc.params.ConferenceID,
		)
	}
	return rc.path
}

// IsRecording observes the recording state with lazy convergence: if the flag
// says recording but any audio/video content has stopped, the whole recording
// is torn down before reporting false. A single degraded stream silently turns
// recording off rather than leaving a partial recording behind.
func (rc *recordingController) IsRecording() bool {
	recording := rc.recordingFlag()
	if !recording {
		return false
	}

	for _, content := range rc.params.Contents() {
		mt := content.MediaType()
		if mt != types.MediaTypeAudio && mt != types.MediaTypeVideo {
			continue
		}
		if !content.IsRecording() {
			recording = false
			break
		}
	}
	if !recording {
		rc.SetRecording(false)
	}
	return rc.recordingFlag()
}

func (rc *recordingController) recordingFlag() bool {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.recording
}

// SetRecording attempts to move recording to the requested state and returns
// the state actually reached. A caller asking for true and getting false back
// knows the enable sequence failed.
func (rc *recordingController) SetRecording(recording bool) bool {
	rc.lock.Lock()
	if recording == rc.recording {
		rc.lock.Unlock()
		return rc.recordingFlag()
	}

	if recording {
		if err := rc.enableLocked(); err != nil {
			rc.params.Logger.Warnw("could not start recording", err, "conference", rc.params.ConferenceID)
			recording = false
		}
	}
	// either asked to disable, or enabling failed and must be rolled back
	if !recording {
		rc.disableLocked()
	}
	rc.recording = recording
	path := rc.path
	rc.lock.Unlock()

	if rc.params.OnStateChanged != nil {
		rc.params.OnStateChanged(recording, path)
	}
	return recording
}

func (rc *recordingController) enableLocked() error {
	rc.params.Logger.Debugw("starting recording", "conference", rc.params.ConferenceID)

	path := rc.pathLocked()
	if err := checkRecordingDirectory(path); err != nil {
		return err
	}

	eventSink, err := rc.params.NewEventSink(path)
	if err != nil {
		return errors.Wrap(err, "could not create recorder event sink")
	}
	rc.eventSink = eventSink

	endpointSink, err := rc.params.NewEndpointSink(path)
	if err != nil {
		return errors.Wrap(err, "could not create endpoint metadata sink")
	}
	rc.endpointSink = endpointSink

	for _, ep := range rc.params.Endpoints() {
		if err = endpointSink.UpdateEndpoint(ep.ID(), ep.DisplayName()); err != nil {
			rc.params.Logger.Warnw("could not save endpoint metadata", err, "endpoint", ep.ID())
		}
	}

	// all content recorders share the first activated content's synchronizer
	// so every stream aligns to one timeline
	var synchronizer types.Synchronizer
	for _, content := range rc.params.Contents() {
		mt := content.MediaType()
		if mt != types.MediaTypeAudio && mt != types.MediaTypeVideo {
			continue
		}

		if err = content.StartRecording(path); err != nil {
			return errors.Wrapf(err, "could not start recording content %s", content.Name())
		}

		if recorder := content.Recorder(); recorder != nil {
			if synchronizer == nil {
				synchronizer = recorder.Synchronizer()
			} else {
				recorder.SetSynchronizer(synchronizer)
			}
		}

		// late-bound stream to timeline mappings must not be lost
		content.FeedKnownStreamsToSynchronizer()
	}

	return nil
}

// disableLocked is both the disable path and the failure path of enable, so
// every step tolerates a partially-enabled state.
func (rc *recordingController) disableLocked() {
	rc.params.Logger.Debugw("stopping recording", "conference", rc.params.ConferenceID)

	for _, content := range rc.params.Contents() {
		mt := content.MediaType()
		if mt != types.MediaTypeAudio && mt != types.MediaTypeVideo {
			continue
		}
		content.StopRecording()
	}

	if rc.eventSink != nil {
		if err := rc.eventSink.Close(); err != nil {
			rc.params.Logger.Warnw("could not close recorder event sink", err)
		}
		rc.eventSink = nil
	}

	// a future enable recomputes the directory fresh
	rc.path = ""

	if rc.endpointSink != nil {
		if err := rc.endpointSink.Close(); err != nil {
			rc.params.Logger.Warnw("could not close endpoint metadata sink", err)
		}
		rc.endpointSink = nil
	}
}

// EventSink returns the active metadata sink, or nil when not recording.
func (rc *recordingController) EventSink() types.RecorderEventSink {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.eventSink
}

// UpdateEndpoint refreshes one endpoint's entry in the metadata sink.
func (rc *recordingController) UpdateEndpoint(ep types.Endpoint) {
	rc.lock.Lock()
	sink := rc.endpointSink
	rc.lock.Unlock()

	if sink == nil {
		return
	}
	if err := sink.UpdateEndpoint(ep.ID(), ep.DisplayName()); err != nil {
		rc.params.Logger.Warnw("could not save endpoint metadata", err, "endpoint", ep.ID())
	}
}

// checkRecordingDirectory verifies path is a writable directory, creating it
// if necessary.
func checkRecordingDirectory(path string) error {
	if path == "" {
		return ErrRecordingNotConfigured
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrap(ErrRecordingDirectory, err.Error())
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return ErrRecordingDirectory
	}

	probe, err := os.CreateTemp(path, ".probe")
	if err != nil {
		return errors.Wrap(ErrRecordingDirectory, err.Error())
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return nil
}
