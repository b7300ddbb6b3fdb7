package geomstore

import "github.com/wegman-software/featuresync/internal/feature"

// EventKind tells observers what happened to a feature
type EventKind int

const (
	FeatureInserted EventKind = iota
	FeatureUpdated
	FeatureDeleted
	// FeatureRemapped carries the local id in OldID and the server id in FeatureID
	FeatureRemapped
	AttachmentsChanged
	// CacheRebuilt is sent once after RebuildCache, with the new extent
	CacheRebuilt
)

func (k EventKind) String() string {
	switch k {
	case FeatureInserted:
		return "inserted"
	case FeatureUpdated:
		return "updated"
	case FeatureDeleted:
		return "deleted"
	case FeatureRemapped:
		return "remapped"
	case AttachmentsChanged:
		return "attachments"
	case CacheRebuilt:
		return "rebuilt"
	}
	return "unknown"
}

// Event describes one change to the store
type Event struct {
	Kind        EventKind
	FeatureID   int64
	OldID       int64
	Envelope    feature.Envelope
	OldEnvelope feature.Envelope
	// FromRemote is set for changes applied by a pull
	FromRemote bool
}

// Observer is called synchronously after a change is committed, outside the
// store lock, so it may query the store
type Observer interface {
	FeatureChanged(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) FeatureChanged(e Event) { f(e) }

// AddObserver registers o for every later event
func (s *Store) AddObserver(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, e := range events {
		for _, o := range observers {
			o.FeatureChanged(e)
		}
	}
}
