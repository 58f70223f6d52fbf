package task

import "fmt"

// SourceName identifies the category a task was queued under. The set is
// closed: the event loop keeps one FIFO queue per name and selects between
// them using its priority policy.
type SourceName uint8

const (
	// DOMManipulation is used for document-level work such as load events.
	DOMManipulation SourceName = iota + 1
	FileReading
	HistoryTraversal
	IndexedDB
	// Idle work only runs when nothing else is runnable, under the default
	// policy.
	Idle
	MediaElement
	// Networking carries fetch progress, see package netlistener.
	Networking
	PerformanceTimeline
	PortMessage
	RemoteEvent
	// ServiceWorker carries job settlement and worker lifecycle events.
	ServiceWorker
	// Timer carries setTimeout and setInterval callbacks.
	Timer
	UserInteraction
	Websocket

	sourceNameEnd
)

var sourceNames = [...]string{
	DOMManipulation:     "dom-manipulation",
	FileReading:         "file-reading",
	HistoryTraversal:    "history-traversal",
	IndexedDB:           "indexed-db",
	Idle:                "idle",
	MediaElement:        "media-element",
	Networking:          "networking",
	PerformanceTimeline: "performance-timeline",
	PortMessage:         "port-message",
	RemoteEvent:         "remote-event",
	ServiceWorker:       "service-worker",
	Timer:               "timer",
	UserInteraction:     "user-interaction",
	Websocket:           "websocket",
}

// NumSources is the number of valid source names, usable to size arrays
// indexed by [SourceName.Index].
const NumSources = int(sourceNameEnd) - 1

// Valid reports whether n is one of the declared source names.
func (n SourceName) Valid() bool {
	return n > 0 && n < sourceNameEnd
}

// Index returns a dense zero-based index for a valid name.
func (n SourceName) Index() int {
	return int(n) - 1
}

func (n SourceName) String() string {
	if n.Valid() {
		return sourceNames[n]
	}
	return fmt.Sprintf("SourceName(%d)", uint8(n))
}

// ParseSourceName resolves the string form produced by [SourceName.String].
func ParseSourceName(s string) (SourceName, error) {
	for n := DOMManipulation; n < sourceNameEnd; n++ {
		if sourceNames[n] == s {
			return n, nil
		}
	}
	return 0, fmt.Errorf("task: unknown source name %q", s)
}

// AllSources returns every valid source name, in declaration order.
func AllSources() []SourceName {
	names := make([]SourceName, 0, NumSources)
	for n := DOMManipulation; n < sourceNameEnd; n++ {
		names = append(names, n)
	}
	return names
}
