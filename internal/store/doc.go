// Package store persists the library's durable state in SQLite: local
// device identities, signed and one-time prekeys, peer trust records, and
// Double Ratchet sessions with their skipped-message-key caches.
//
// The store is the exclusive owner of persisted key material. Engines work
// on checked-out copies; SaveSession commits a session together with the
// writes that must be atomic with it — skipped keys, demotion of superseded
// sessions, and one-time prekey consumption.
package store
