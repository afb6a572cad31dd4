// Package marionette is the connection and service-lifecycle layer for
// controlling long-running workers embedded inside third-party host
// applications.
//
// A *worker* is a process (often a plugin living inside someone else's
// application) that runs a `Server` exposing an opaque invocation surface:
// `invoke(method, args, kwargs) -> result`. A *controller* is any process
// that wants to call into workers it did not start and whose addresses it
// does not know ahead of time.
//
// ## How it works
//
// A worker starts a `Server` on an ephemeral port without ever blocking the
// host application's main thread, then announces itself with
// `Discovery.Advertise`. Controllers locate workers with
// `Discovery.Resolve` (UDP multicast query/response) or, when the network
// is mute, fall back to the in-process `Registry`. Once a
// `ServiceDescriptor` is known, a `Pool` hands out exclusive `Conn`
// handles to it: healthy idle handles are reused, stale ones are probed
// and recycled, failed ones are discarded and re-dialed with backoff.
//
// ## Design Principles
//
// The network is allowed to be bad. An empty `Resolve` result is not an
// error, a dead worker surfaces as a typed connection failure distinct
// from an application-level invocation failure, and every blocking
// operation is bounded by a timeout. Hosts are sacred: nothing in this
// package ever requires the host application's thread of control, and a
// worker keeps functioning even when advertisement cannot bind its
// socket.
//
// The wire format is deliberately boring: length-prefixed CBOR frames on
// a plain TCP stream, and flat CBOR records small enough for one UDP
// datagram on the discovery side. Payloads are round-tripped, never
// interpreted; what the methods mean belongs to the command layer built
// on top.
package marionette
