package transcript

import (
	"strings"
	"sync"
	"time"
)

const (
	ModeFiltered = "Showing: Filtered Transcription"
	ModeRaw      = "Showing: Raw Transcription"
)

// Update is a snapshot of both buffers handed to listeners. Version grows
// with every change.
type Update struct {
	Raw        string    `json:"raw"`
	Filtered   string    `json:"filtered"`
	FilterMode bool      `json:"filter_mode"`
	Mode       string    `json:"mode"`
	Version    uint64    `json:"version"`
	Updated    time.Time `json:"updated"`
}

// Active returns the buffer the display should show for the current mode.
func (u Update) Active() string {
	if u.FilterMode {
		return u.Filtered
	}
	return u.Raw
}

// Listener receives an Update after every change. Listeners are called
// synchronously in registration order, one update at a time, and must not
// modify the State that notifies them.
type Listener interface {
	TranscriptUpdated(Update)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Update)

func (f ListenerFunc) TranscriptUpdated(u Update) { f(u) }

// State holds the append-only raw and filtered transcripts.
type State struct {
	mu         sync.Mutex
	raw        strings.Builder
	filtered   strings.Builder
	filterMode bool
	version    uint64
	listeners  []Listener
	now        func() time.Time

	// notifyMu serializes delivery; delivered is the newest version sent.
	notifyMu  sync.Mutex
	delivered uint64
}

// NewState returns an empty transcript with filter mode set as given.
func NewState(filterMode bool) *State {
	return &State{filterMode: filterMode, now: time.Now}
}

func (s *State) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Merge appends one recognized text to both buffers and notifies listeners.
// Whitespace-only text is ignored and reports false.
func (s *State) Merge(text string) bool {
	u, ok := s.Append(text)
	if ok {
		s.Notify(u)
	}
	return ok
}

// Append is Merge without notification. Callers that hold their own locks
// append under them and pass the returned Update to Notify afterwards.
func (s *State) Append(text string) (Update, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Update{}, false
	}
	filtered := Filter(trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw.WriteString(trimmed)
	s.raw.WriteByte(' ')
	if filtered != "" {
		s.filtered.WriteString(filtered)
		s.filtered.WriteByte(' ')
	}
	return s.changedLocked(), true
}

// Clear empties both buffers at once and notifies listeners.
func (s *State) Clear() {
	s.Notify(s.Reset())
}

// Reset is Clear without notification.
func (s *State) Reset() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw.Reset()
	s.filtered.Reset()
	return s.changedLocked()
}

func (s *State) SetFilterMode(enabled bool) {
	s.mu.Lock()
	s.filterMode = enabled
	u := s.changedLocked()
	s.mu.Unlock()

	s.Notify(u)
}

// Notify delivers u to every listener unless a newer update has already been
// delivered, so the last update a listener sees always matches Snapshot once
// writers are done.
func (s *State) Notify(u Update) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if u.Version <= s.delivered {
		return
	}
	s.delivered = u.Version

	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.TranscriptUpdated(u)
	}
}

func (s *State) Snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) changedLocked() Update {
	s.version++
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Update {
	mode := ModeRaw
	if s.filterMode {
		mode = ModeFiltered
	}
	return Update{
		Raw:        s.raw.String(),
		Filtered:   s.filtered.String(),
		FilterMode: s.filterMode,
		Mode:       mode,
		Version:    s.version,
		Updated:    s.now(),
	}
}
