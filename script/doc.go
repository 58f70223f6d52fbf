// Package script binds a goja JavaScript runtime to a pipeline's event
// loop.
//
// A [Global] is the script global of one window or worker. It exposes
// setTimeout, setInterval, clearTimeout, clearInterval, queueMicrotask,
// console (goja_nodejs, printed through logiface), addEventListener and,
// when configured, navigator.serviceWorker.
//
// # Rooting
//
// The event loop enters the Global around every task. Each entry opens a
// [Scope]; values that must stay reachable while the task runs are rooted
// with [Scope.Root], and every root is released when the task (and its
// microtask checkpoint) returns. A released [Root] panics with
// [ErrRootReleased] if used.
//
// Script values never leave the loop goroutine. Work arriving from other
// goroutines carries plain Go data, and is turned into script values by the
// task that receives it.
package script
