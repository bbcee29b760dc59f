package recording

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	ReservationChannel = "RESERVE_RECORDER"
	recorderTimeout    = time.Second * 3
	// used by external recorder workers when answering a reservation
	ReservationTimeout = time.Second * 2
)

// Announcer tells external recorder workers, over redis pub/sub, when a
// conference recording starts and ends.
type Announcer struct {
	rc redis.UniversalClient
}

// NewAnnouncer returns nil when redis is not configured; a nil Announcer is a
// valid no-announcements instance for the caller to skip.
func NewAnnouncer(rc redis.UniversalClient) *Announcer {
	if rc == nil {
		return nil
	}
	return &Announcer{rc: rc}
}

type announcement struct {
	ConferenceID string `json:"conferenceId"`
	Path         string `json:"path,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ReserveRecorder claims a recorder worker for the conference and waits for
// its acknowledgement.
func (a *Announcer) ReserveRecorder(ctx context.Context, conferenceID string) error {
	sub := a.rc.Subscribe(ctx, ResponseChannel(conferenceID))
	defer sub.Close()

	if err := a.rc.Publish(ctx, ReservationChannel, conferenceID).Err(); err != nil {
		return err
	}

	select {
	case <-sub.Channel():
		return nil
	case <-time.After(recorderTimeout):
		return errors.New("no recorders available")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Announcer) RecordingStarted(ctx context.Context, conferenceID, path string) error {
	msg, err := json.Marshal(&announcement{
		ConferenceID: conferenceID,
		Path:         path,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return a.rc.Publish(ctx, StartRecordingChannel(conferenceID), msg).Err()
}

func (a *Announcer) RecordingEnded(ctx context.Context, conferenceID string) error {
	msg, err := json.Marshal(&announcement{
		ConferenceID: conferenceID,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return a.rc.Publish(ctx, EndRecordingChannel(conferenceID), msg).Err()
}

func ResponseChannel(id string) string {
	return "RESPONSE_" + id
}

func StartRecordingChannel(id string) string {
	return "START_RECORDING_" + id
}

func EndRecordingChannel(id string) string {
	return "END_RECORDING_" + id
}
