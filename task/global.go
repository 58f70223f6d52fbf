package task

import "fmt"

// PipelineID is an opaque identifier for a browsing-context pipeline.
type PipelineID uint64

func (p PipelineID) String() string {
	return fmt.Sprintf("pipeline-%d", uint64(p))
}

// GlobalKind is the closed set of script global kinds a task may target.
type GlobalKind uint8

const (
	Window GlobalKind = iota + 1
	DedicatedWorker
	ServiceWorkerGlobal
)

func (k GlobalKind) String() string {
	switch k {
	case Window:
		return "window"
	case DedicatedWorker:
		return "dedicated-worker"
	case ServiceWorkerGlobal:
		return "service-worker"
	default:
		return fmt.Sprintf("GlobalKind(%d)", uint8(k))
	}
}

// GlobalRef names the script global a task runs against. It is a plain value:
// holders never own the global, the pipeline that created it does.
type GlobalRef struct {
	Kind     GlobalKind
	Pipeline PipelineID
}

// IsZero reports whether g is the zero value, which targets nothing.
func (g GlobalRef) IsZero() bool {
	return g == GlobalRef{}
}

func (g GlobalRef) String() string {
	return g.Kind.String() + "/" + g.Pipeline.String()
}
