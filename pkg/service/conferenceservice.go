package service

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"

	"github.com/videobridge/bridge-server/pkg/bridge"
	"github.com/videobridge/bridge-server/pkg/conference"
	"github.com/videobridge/bridge-server/pkg/conference/types"
	"github.com/videobridge/bridge-server/pkg/utils"
)

// ConferenceService is the REST surface of the conference lifecycle. Paths:
//
//	GET    /conferences             list conferences (shallow)
//	POST   /conferences             create or fetch a conference
//	GET    /conferences/{id}        full description with channel bundles
//	PATCH  /conferences/{id}        apply a ConferenceUpdate
//	DELETE /conferences/{id}        expire
//	GET    /conferences/{id}/events websocket feed of endpoint-set changes
type ConferenceService struct {
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
}

func NewConferenceService(b *bridge.Bridge) *ConferenceService {
	s := &ConferenceService{
		bridge: b,
	}

	// cross-origin signaling clients are expected; access control lives in
	// front of the bridge
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

type CreateConferenceRequest struct {
	ID    string `json:"id,omitempty"`
	Focus string `json:"focus,omitempty"`
}

type ConferenceUpdate struct {
	Focus          string           `json:"focus,omitempty"`
	Recording      *bool            `json:"recording,omitempty"`
	Endpoints      []EndpointUpdate `json:"endpoints,omitempty"`
	Contents       []ContentUpdate  `json:"contents,omitempty"`
	ChannelBundles []string         `json:"channelBundles,omitempty"`
}

type EndpointUpdate struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type ContentUpdate struct {
	Name     string                      `json:"name"`
	Expire   bool                        `json:"expire,omitempty"`
	Channels []*types.ChannelDescription `json:"channels,omitempty"`
}

func (s *ConferenceService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conferences"), "/")
	parts := []string{}
	if rest != "" {
		parts = strings.Split(rest, "/")
	}

	switch len(parts) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			s.handleList(w)
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			handleError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case 1:
		s.serveConference(w, r, parts[0], "")
	case 2:
		s.serveConference(w, r, parts[0], parts[1])
	default:
		handleError(w, http.StatusNotFound, "not found")
	}
}

func (s *ConferenceService) serveConference(w http.ResponseWriter, r *http.Request, id, sub string) {
	conf := s.bridge.GetConference(id)
	if conf == nil || conf.IsExpired() {
		if s.bridge.WasRecentlyExpired(id) {
			handleError(w, http.StatusGone, "conference expired")
		} else {
			handleError(w, http.StatusNotFound, "conference not found")
		}
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, describeFull(conf))
		case http.MethodPatch:
			s.handleUpdate(w, r, conf)
		case http.MethodDelete:
			conf.Expire()
			w.WriteHeader(http.StatusNoContent)
		default:
			handleError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "events":
		s.handleEvents(w, r, conf)
	default:
		handleError(w, http.StatusNotFound, "not found")
	}
}

func (s *ConferenceService) handleList(w http.ResponseWriter) {
	conferences := s.bridge.GetConferences()
	descriptions := make([]*types.ConferenceDescription, 0, len(conferences))
	for _, conf := range conferences {
		d := &types.ConferenceDescription{}
		conf.DescribeShallow(d)
		descriptions = append(descriptions, d)
	}
	writeJSON(w, http.StatusOK, descriptions)
}

func (s *ConferenceService) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateConferenceRequest
	if err := decodeBody(r, &req); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	conf := s.bridge.GetOrCreateConference(req.ID, req.Focus)
	writeJSON(w, http.StatusCreated, describeFull(conf))
}

func (s *ConferenceService) handleUpdate(w http.ResponseWriter, r *http.Request, conf *conference.Conference) {
	var update ConferenceUpdate
	if err := decodeBody(r, &update); err != nil {
		handleError(w, http.StatusBadRequest, err.Error())
		return
	}

	if update.Focus != "" {
		conf.SetLastKnownFocus(update.Focus)
	}

	for _, cu := range update.Contents {
		if cu.Name == "" {
			continue
		}
		if cu.Expire {
			for _, content := range conf.Contents() {
				if content.Name() == cu.Name {
					conf.ExpireContent(content)
					break
				}
			}
			continue
		}

		content := conf.GetOrCreateContent(cu.Name)
		if content == nil {
			continue
		}
		for _, chd := range cu.Channels {
			if chd.ID == "" || chd.Endpoint == "" {
				continue
			}
			conf.GetOrCreateEndpoint(chd.Endpoint)
			channel := content.GetOrCreateChannel(chd.ID, chd.Endpoint)
			channel.Update(chd)
		}
	}

	for _, eu := range update.Endpoints {
		if eu.ID == "" {
			continue
		}
		conf.GetOrCreateEndpoint(eu.ID)
		conf.UpdateEndpoint(eu.ID, eu.DisplayName)
	}

	for _, bundleID := range update.ChannelBundles {
		if _, err := conf.GetOrCreateTransportManager(bundleID); err != nil {
			handleError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if update.Recording != nil {
		conf.SetRecording(*update.Recording)
	}

	writeJSON(w, http.StatusOK, describeFull(conf))
}

// handleEvents streams the conference description over a websocket: once at
// connect, then again whenever the endpoint set changes, until either side
// disconnects or the conference expires.
func (s *ConferenceService) handleEvents(w http.ResponseWriter, r *http.Request, conf *conference.Conference) {
	if r.Method != http.MethodGet {
		handleError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to websocket", err, "conference", conf.ID())
		return
	}
	defer conn.Close()

	changed := make(chan struct{}, 1)
	observerKey := utils.NewGuid("WS-")
	conf.EndpointsChangedNotifier().AddObserver(observerKey, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer conf.EndpointsChangedNotifier().RemoveObserver(observerKey)

	// reads are discarded; the read loop only notices the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		if err = conn.WriteJSON(describeFull(conf)); err != nil {
			return
		}
		select {
		case <-changed:
		case <-closed:
			return
		case <-conf.Done():
			return
		}
	}
}

func describeFull(conf *conference.Conference) *types.ConferenceDescription {
	d := &types.ConferenceDescription{}
	conf.DescribeDeep(d)
	conf.DescribeChannelBundles(d)
	return d
}

func decodeBody(r *http.Request, v interface{}) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
