// Package serviceworker serializes service-worker lifecycle jobs per scope
// and manages the resulting registrations and worker instances.
//
// Each scope has one [JobQueue]. Jobs in a queue run one at a time, in
// submission order, through an [Executor]; different scopes proceed
// concurrently. Every submission returns a [Promise] that settles as a
// ServiceWorker task on the submitting client's event loop, or is
// abandoned if that loop is gone.
//
// The [Manager] owns the queues, created lazily and kept for its lifetime,
// along with the registration map and the event loop of each running
// [Worker].
package serviceworker
