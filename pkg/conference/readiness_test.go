package conference

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func countDominantSpeakerMessages(t *testing.T, messages [][]byte) int {
	t.Helper()

	n := 0
	for _, data := range messages {
		var msg DominantSpeakerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Kind == MessageKindDominantSpeakerChange {
			n++
		}
	}
	return n
}

func TestReadinessDispatcher(t *testing.T) {
	t.Run("initial events fire when the transport becomes ready", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		dc := newFakeDataChannel("ep")
		ep.setDataChannel(dc)

		// nothing before the transport is operational
		require.Empty(t, ep.sentMessages())

		dc.setReady()

		require.Equal(t, 1, countDominantSpeakerMessages(t, ep.sentMessages()))
		// the dominant speaker goes out before the generic ready hook
		require.Equal(t, []string{"send", "ready"}, ep.eventLog())
	})

	t.Run("at most once per transport even with duplicate signals", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		dc := newFakeDataChannel("ep")
		ep.setDataChannel(dc)

		dc.setReady()
		dc.fireObservers()
		dc.fireObservers()

		require.Equal(t, 1, countDominantSpeakerMessages(t, ep.sentMessages()))
		// the observer was removed after the first delivery
		require.Equal(t, 0, dc.numObservers())
	})

	t.Run("an already ready transport fires immediately", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		dc := newFakeDataChannel("ep")
		dc.lock.Lock()
		dc.ready = true
		dc.lock.Unlock()

		ep.setDataChannel(dc)

		require.Equal(t, 1, countDominantSpeakerMessages(t, ep.sentMessages()))
	})

	t.Run("a replaced transport gets its own delivery", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		first := newFakeDataChannel("ep")
		ep.setDataChannel(first)
		first.setReady()

		second := newFakeDataChannel("ep")
		ep.setDataChannel(second)
		// the observer moved off the first transport
		require.Equal(t, 0, first.numObservers())

		second.setReady()
		require.Equal(t, 2, countDominantSpeakerMessages(t, ep.sentMessages()))
	})

	t.Run("a re-attached transport instance never fires twice", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		dc := newFakeDataChannel("ep")
		ep.setDataChannel(dc)
		dc.setReady()

		// detach and attach the same instance again
		ep.setDataChannel(nil)
		ep.setDataChannel(dc)

		require.Equal(t, 1, countDominantSpeakerMessages(t, ep.sentMessages()))
	})

	t.Run("no dominant speaker means no message but still ready", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		dc := newFakeDataChannel("ep")
		ep.setDataChannel(dc)
		dc.setReady()

		require.Empty(t, ep.sentMessages())
		require.Equal(t, []string{"ready"}, ep.eventLog())
	})

	t.Run("expired conference delivers nothing", func(t *testing.T) {
		env := newTestEnv(t, testEnvOpts{})
		env.speech.dominant = "speaker"

		ep := env.conf.GetOrCreateEndpoint("ep").(*fakeEndpoint)
		env.conf.Expire()

		dc := newFakeDataChannel("ep")
		ep.setDataChannel(dc)
		dc.setReady()

		require.Empty(t, ep.sentMessages())
	})
}
