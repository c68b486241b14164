// Package retry wraps a completion backend with error classification and
// bounded exponential backoff.
//
// # Classes
//
//   - Retryable: timeouts, 408, 422, 500, 502, 503, 504. Retried up to
//     Policy.MaxRetries times with delays d, d*b, d*b^2, ...
//   - Fatal: 400, 401, 403, 404, 409, 429, runaway tool loops, and an
//     exhausted retry budget. Returned as *Error with an operator hint.
//   - Unclassified: anything else. Returned untouched for the caller's
//     catch-all handling.
//
// The first retry triggers a notice callback, which sessions use to tell the
// student that the servers are slow. Later retries are silent.
package retry
