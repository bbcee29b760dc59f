package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videobridge/bridge-server/pkg/bridge"
	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/config"
	"github.com/videobridge/bridge-server/pkg/media"
)

func newTestService(t *testing.T) (*ConferenceService, *bridge.Bridge) {
	t.Helper()

	conf, err := config.NewConfig("", nil)
	require.NoError(t, err)

	layer := media.NewLayer(media.LayerParams{})
	b, err := bridge.NewBridge(bridge.BridgeParams{
		NodeID: "ND-test",
		Config: conf,
		Factories: bridge.ConferenceFactories{
			NewSpeechActivity: layer.NewSpeechActivity,
			NewEndpoint:       layer.NewEndpoint,
			NewContent:        layer.NewContent,
			NewTransportManager: func(conferenceID, bundleID string) (types.TransportManager, error) {
				return &stubTransportManager{bundleID: bundleID}, nil
			},
			ReleaseConference: layer.ReleaseConference,
		},
	})
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)
	return NewConferenceService(b), b
}

type stubTransportManager struct {
	bundleID string
}

func (s *stubTransportManager) Describe(d *types.ChannelBundleDescription) {
	d.Transport = &types.TransportDescription{
		Ufrag: "ufrag-" + s.bundleID,
		Pwd:   "pwd-" + s.bundleID,
	}
}

func (s *stubTransportManager) Close() error { return nil }

func doJSON(t *testing.T, svc *ConferenceService, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, req)
	return w
}

func decodeDescription(t *testing.T, w *httptest.ResponseRecorder) *types.ConferenceDescription {
	t.Helper()
	d := &types.ConferenceDescription{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), d))
	return d
}

func TestConferenceService(t *testing.T) {
	t.Run("create then get", func(t *testing.T) {
		svc, _ := newTestService(t)

		w := doJSON(t, svc, http.MethodPost, "/conferences", CreateConferenceRequest{
			ID:    "CF-1",
			Focus: "focus@example.com",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		require.Equal(t, "CF-1", decodeDescription(t, w).ID)

		w = doJSON(t, svc, http.MethodGet, "/conferences/CF-1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "CF-1", decodeDescription(t, w).ID)
	})

	t.Run("create without an id allocates one", func(t *testing.T) {
		svc, _ := newTestService(t)

		w := doJSON(t, svc, http.MethodPost, "/conferences", CreateConferenceRequest{})
		require.Equal(t, http.StatusCreated, w.Code)
		require.NotEmpty(t, decodeDescription(t, w).ID)
	})

	t.Run("list is shallow", func(t *testing.T) {
		svc, b := newTestService(t)
		conf := b.GetOrCreateConference("CF-1", "")
		conf.GetOrCreateContent("audio")

		w := doJSON(t, svc, http.MethodGet, "/conferences", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var list []*types.ConferenceDescription
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		require.Len(t, list, 1)
		require.Equal(t, "CF-1", list[0].ID)
		require.Empty(t, list[0].Contents)
	})

	t.Run("unknown conference is 404", func(t *testing.T) {
		svc, _ := newTestService(t)
		w := doJSON(t, svc, http.MethodGet, "/conferences/CF-missing", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("expired conference is 410", func(t *testing.T) {
		svc, b := newTestService(t)
		b.GetOrCreateConference("CF-1", "")
		require.True(t, b.ExpireConference("CF-1"))

		w := doJSON(t, svc, http.MethodGet, "/conferences/CF-1", nil)
		require.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("patch signals contents, channels and bundles", func(t *testing.T) {
		svc, b := newTestService(t)
		b.GetOrCreateConference("CF-1", "")

		w := doJSON(t, svc, http.MethodPatch, "/conferences/CF-1", ConferenceUpdate{
			Endpoints: []EndpointUpdate{{ID: "ep1", DisplayName: "Alice"}},
			Contents: []ContentUpdate{{
				Name: "video",
				Channels: []*types.ChannelDescription{{
					ID:       "ch1",
					Endpoint: "ep1",
					SSRCs:    []uint32{101, 102},
					SSRCGroups: []*types.SSRCGroupDescription{
						{Semantics: "SIM", SSRCs: []uint32{101, 102}},
					},
				}},
			}},
			ChannelBundles: []string{"ep1"},
		})
		require.Equal(t, http.StatusOK, w.Code)

		d := decodeDescription(t, w)
		require.Len(t, d.Contents, 1)
		require.Equal(t, "video", d.Contents[0].Name)
		require.Len(t, d.Contents[0].Channels, 1)
		require.Equal(t, []uint32{101, 102}, d.Contents[0].Channels[0].SSRCs)
		require.Len(t, d.ChannelBundles, 1)
		require.Equal(t, "ufrag-ep1", d.ChannelBundles[0].Transport.Ufrag)

		conf := b.GetConference("CF-1")
		require.Equal(t, "Alice", conf.GetEndpoint("ep1").DisplayName())
	})

	t.Run("patch expires a content", func(t *testing.T) {
		svc, b := newTestService(t)
		conf := b.GetOrCreateConference("CF-1", "")
		conf.GetOrCreateContent("audio")

		w := doJSON(t, svc, http.MethodPatch, "/conferences/CF-1", ConferenceUpdate{
			Contents: []ContentUpdate{{Name: "audio", Expire: true}},
		})
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, conf.Contents())
	})

	t.Run("patch updates the focus", func(t *testing.T) {
		svc, b := newTestService(t)
		conf := b.GetOrCreateConference("CF-1", "focus@example.com")

		w := doJSON(t, svc, http.MethodPatch, "/conferences/CF-1", ConferenceUpdate{
			Focus: "other@example.com",
		})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "other@example.com", conf.LastKnownFocus())
		require.Equal(t, "focus@example.com", conf.Focus())
	})

	t.Run("delete expires the conference", func(t *testing.T) {
		svc, b := newTestService(t)
		conf := b.GetOrCreateConference("CF-1", "")

		w := doJSON(t, svc, http.MethodDelete, "/conferences/CF-1", nil)
		require.Equal(t, http.StatusNoContent, w.Code)
		require.True(t, conf.IsExpired())

		w = doJSON(t, svc, http.MethodDelete, "/conferences/CF-1", nil)
		require.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("bad json is 400", func(t *testing.T) {
		svc, b := newTestService(t)
		b.GetOrCreateConference("CF-1", "")

		req := httptest.NewRequest(http.MethodPatch, "/conferences/CF-1", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		svc.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown methods are 405", func(t *testing.T) {
		svc, b := newTestService(t)
		b.GetOrCreateConference("CF-1", "")

		w := doJSON(t, svc, http.MethodPut, "/conferences/CF-1", nil)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)

		w = doJSON(t, svc, http.MethodDelete, "/conferences", nil)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
