// Package transport defines the chat platform boundary.
//
// Everything above this package talks about channels, threads, messages and
// reactions by opaque string IDs. The only implementation lives in
// transport/matrix; tests use small in-package fakes.
package transport
