// Package server implements the key-distribution server dialog: the framed
// binary codec shared by both sides, the HTTP client the device manager
// drives, and an in-memory reference server used by the tests and the
// limeserver binary.
//
// The dialog is strict request/response. Requests are length-framed buffers
// POSTed to a single URL with the device id in the From header; responses
// carry a status byte. The client keeps at most one request in flight per
// (device, operation) and never retries; the register operation is
// idempotent so callers may safely re-send an unacknowledged publish.
package server
