package store

import "krapi.io/krapi/pkg/socket"

// EventType enumerates document change kinds.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one document change. Bulk operations emit one event per applied
// item. Deleted events carry no document body; Actor holds the deleted-by
// marker when the caller supplied one.
type Event struct {
	Type       EventType        `json:"type"`
	ProjectID  string           `json:"project_id"`
	Collection string           `json:"collection"`
	DocumentID string           `json:"document_id"`
	Actor      string           `json:"actor,omitempty"`
	Document   *socket.Document `json:"document,omitempty"`
}

// EventSink receives document change events. Publish must not block: the
// store calls it synchronously on the write path.
type EventSink interface {
	Publish(Event)
}

// SetEventSink installs the change feed sink. Nil disables publication.
func (s *Store) SetEventSink(sink EventSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Store) publish(ev Event) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.Publish(ev)
	}
}
