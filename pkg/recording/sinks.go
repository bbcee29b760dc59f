// Package recording holds the on-disk metadata sinks of a recording session
// and the redis announcements that let external recorder workers follow it.
package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/videobridge/bridge-server/pkg/conference/types"
)

const (
	eventsFileName    = "metadata.json"
	endpointsFileName = "endpoints.json"
)

// FileEventSink appends recorder events to metadata.json, one JSON document
// per line, in arrival order.
type FileEventSink struct {
	lock sync.Mutex
	f    *os.File
	enc  *json.Encoder
}

func NewFileEventSink(dir string) (types.RecorderEventSink, error) {
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "could not open recorder event file")
	}
	return &FileEventSink{
		f:   f,
		enc: json.NewEncoder(f),
	}, nil
}

func (s *FileEventSink) WriteEvent(ev *types.RecorderEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.enc.Encode(ev)
}

func (s *FileEventSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.f.Close()
}

type endpointEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// FileEndpointSink keeps endpoints.json current with the conference's
// endpoint roster. Every update rewrites the whole file through a rename so
// readers never observe a torn document.
type FileEndpointSink struct {
	dir string

	lock    sync.Mutex
	order   []string
	entries map[string]string
}

func NewFileEndpointSink(dir string) (types.EndpointMetadataSink, error) {
	s := &FileEndpointSink{
		dir:     dir,
		entries: make(map[string]string),
	}
	// fail early if the directory cannot take the file
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileEndpointSink) UpdateEndpoint(id, displayName string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, known := s.entries[id]; !known {
		s.order = append(s.order, id)
	}
	s.entries[id] = displayName
	return s.flushLocked()
}

func (s *FileEndpointSink) flushLocked() error {
	entries := make([]endpointEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, endpointEntry{ID: id, DisplayName: s.entries[id]})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".endpoints")
	if err != nil {
		return errors.Wrap(err, "could not write endpoint metadata")
	}
	name := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return errors.Wrap(err, "could not write endpoint metadata")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "could not write endpoint metadata")
	}
	return os.Rename(name, filepath.Join(s.dir, endpointsFileName))
}

func (s *FileEndpointSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.flushLocked()
}
