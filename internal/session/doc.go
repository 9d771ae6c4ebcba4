// Package session implements the per-stream state machine that moves
// fragmented media from a Transport into a decode Sink under backpressure,
// keeps the Sink's retained window bounded, and pulls the playback position
// back inside the buffered range after seeks and resumes.
//
// All collaborators are interfaces ([Transport], [Sink], [Surface]) so the
// machine can be driven deterministically through [Session.Handle] in tests.
// In production each Session runs its own event loop ([Session.Run]) and
// collaborators deliver notifications through [Session.Post].
//
// The [Registry] maps stream identifiers to the current Session.
package session
