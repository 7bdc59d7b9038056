// Package session owns the session record, its durable storage, and the
// in-memory registry of active sessions.
//
// The Manager is the single authority for session lifecycle: creation with
// per-owner capacity eviction, transparent resume from the store, targeted
// mutation, expiry sweeping, and best-effort persistence on shutdown. All
// record mutation goes through Manager methods guarded by one lock, so
// concurrent analysis loops and the sweep goroutine never race on a record.
package session
