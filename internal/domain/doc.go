// Package domain holds the core types shared across the library: identifiers,
// trust and session statuses, encryption policies, persisted records, the
// Double Ratchet state, classified errors, and the store and server-client
// interfaces the engines are written against.
package domain
