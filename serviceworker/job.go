package serviceworker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/joeycumines/go-scriptthread/task"
)

// JobKind is the kind of lifecycle operation a job performs.
type JobKind uint8

const (
	Register JobKind = iota + 1
	Update
	Unregister
)

func (k JobKind) String() string {
	switch k {
	case Register:
		return "register"
	case Update:
		return "update"
	case Unregister:
		return "unregister"
	default:
		return fmt.Sprintf("JobKind(%d)", uint8(k))
	}
}

// ScopeKey identifies a registration scope: an origin plus a path prefix,
// e.g. "https://example.test/app/".
type ScopeKey string

// ParseScope normalizes an absolute scope URL into a ScopeKey. Query and
// fragment are discarded.
func ParseScope(raw string) (ScopeKey, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("serviceworker: invalid scope %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("serviceworker: scope %q is not absolute", raw)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return ScopeKey(strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path), nil
}

// Origin returns the scheme and host portion of the scope.
func (s ScopeKey) Origin() string {
	str := string(s)
	i := strings.Index(str, "://")
	if i < 0 {
		return ""
	}
	if j := strings.IndexByte(str[i+3:], '/'); j >= 0 {
		return str[:i+3+j]
	}
	return str
}

// Matches reports whether clientURL falls within the scope.
func (s ScopeKey) Matches(clientURL string) bool {
	u, err := ParseScope(clientURL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(u), string(s))
}

// Client is the environment that submitted a job. Job promises settle on
// its Source, which should be the ServiceWorker task source of the
// client's global. The zero Client is used for internally initiated jobs,
// whose promises are never delivered to script.
type Client struct {
	Source task.Source
	ID     uuid.UUID
}

// Pipeline returns the pipeline of the client's global.
func (c Client) Pipeline() task.PipelineID {
	return c.Source.Global().Pipeline
}

// Job is one queued lifecycle operation.
type Job struct {
	Client    Client
	Scope     ScopeKey
	ScriptURL string
	ID        uuid.UUID
	Kind      JobKind
}

// equivalent implements job coalescing: a job equivalent to the last
// unsettled job in a queue shares that job's outcome instead of running.
func (j *Job) equivalent(other *Job) bool {
	if j.Kind != other.Kind || j.Scope != other.Scope {
		return false
	}
	switch j.Kind {
	case Register, Update:
		return j.ScriptURL == other.ScriptURL
	default:
		return true
	}
}

func (j *Job) String() string {
	return j.Kind.String() + " " + string(j.Scope)
}

var (
	// ErrClosed is returned once the Manager has been closed.
	ErrClosed = errors.New("serviceworker: manager closed")

	// ErrNoRegistration is the cause of a failed update or worker start for
	// a scope with no registration.
	ErrNoRegistration = errors.New("serviceworker: no registration for scope")

	// ErrOriginMismatch is the cause of a failed registration whose script
	// is not same-origin with its scope.
	ErrOriginMismatch = errors.New("serviceworker: script and scope origins differ")

	// ErrNoFetcher is the cause of a failed job when no ScriptFetcher is
	// configured.
	ErrNoFetcher = errors.New("serviceworker: no script fetcher")

	// ErrQueueInvariant reports a job queue contract violation, such as a
	// job completing twice.
	ErrQueueInvariant = errors.New("serviceworker: job queue invariant violated")

	// ErrAbandoned is the result of a promise whose client went away before
	// it settled.
	ErrAbandoned = errors.New("serviceworker: promise abandoned")
)

// JobFailureError rejects the promises of a job whose asynchronous step
// failed.
type JobFailureError struct {
	Cause error
	Scope ScopeKey
	Kind  JobKind
}

func (e *JobFailureError) Error() string {
	return fmt.Sprintf("serviceworker: %s job for %s failed: %v", e.Kind, e.Scope, e.Cause)
}

func (e *JobFailureError) Unwrap() error {
	return e.Cause
}
