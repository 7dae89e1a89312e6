// Package watchd implements the remote API server of the watchd monitoring
// platform: an HTTP/1.1 front door that authenticates clients with basic
// credentials or client certificates, bounds request sizes per identity,
// gates dispatch concurrency server-wide, and supports long-lived event
// streams on dedicated connections.
//
// Each accepted connection is driven by its own actor (see
// internal/httpconn) running a keep-alive request loop and a liveness
// monitor. The exported Server ties the actors to a shared shutdown
// coordinator so draining stops new work without cutting off requests
// already in flight.
package watchd
