package media

import (
	"sync"
)

// SpeechActivityTracker keeps the ranked speaker list of one conference.
// Audio-level sources report the currently loudest endpoint; the tracker
// promotes it and tells its observers what changed.
type SpeechActivityTracker struct {
	lock     sync.Mutex
	dominant string
	ranked   []string

	onDominantChanged []func()
	onOrderChanged    []func()
}

func NewSpeechActivityTracker() *SpeechActivityTracker {
	return &SpeechActivityTracker{}
}

func (t *SpeechActivityTracker) DominantEndpointID() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.dominant
}

func (t *SpeechActivityTracker) RankedEndpointIDs() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	ranked := make([]string, len(t.ranked))
	copy(ranked, t.ranked)
	return ranked
}

func (t *SpeechActivityTracker) OnDominantSpeakerChanged(f func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onDominantChanged = append(t.onDominantChanged, f)
}

func (t *SpeechActivityTracker) OnSpeakerOrderChanged(f func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onOrderChanged = append(t.onOrderChanged, f)
}

// PromoteSpeaker moves the endpoint to the front of the ranked list and makes
// it the dominant speaker. Notifications fire outside the tracker lock.
func (t *SpeechActivityTracker) PromoteSpeaker(endpointID string) {
	if endpointID == "" {
		return
	}

	t.lock.Lock()
	orderChanged := len(t.ranked) == 0 || t.ranked[0] != endpointID
	dominantChanged := t.dominant != endpointID

	if orderChanged {
		ranked := make([]string, 0, len(t.ranked)+1)
		ranked = append(ranked, endpointID)
		for _, id := range t.ranked {
			if id != endpointID {
				ranked = append(ranked, id)
			}
		}
		t.ranked = ranked
	}
	t.dominant = endpointID

	var notify []func()
	if dominantChanged {
		notify = append(notify, t.onDominantChanged...)
	}
	if orderChanged {
		notify = append(notify, t.onOrderChanged...)
	}
	t.lock.Unlock()

	for _, f := range notify {
		f()
	}
}

// RemoveSpeaker drops an endpoint from the ranking, promoting the next one
// when it was dominant.
func (t *SpeechActivityTracker) RemoveSpeaker(endpointID string) {
	t.lock.Lock()
	idx := -1
	for i, id := range t.ranked {
		if id == endpointID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.lock.Unlock()
		return
	}
	t.ranked = append(t.ranked[:idx], t.ranked[idx+1:]...)

	var notify []func()
	if t.dominant == endpointID {
		t.dominant = ""
		if len(t.ranked) > 0 {
			t.dominant = t.ranked[0]
		}
		notify = append(notify, t.onDominantChanged...)
	}
	notify = append(notify, t.onOrderChanged...)
	t.lock.Unlock()

	for _, f := range notify {
		f()
	}
}
