// Package hub owns the authoritative, versioned session state and its
// delta fan-out.
//
// Each session runs a single apply loop goroutine: mutations are queued
// and applied one at a time in arrival order, producing a strictly
// increasing version sequence. Everything else (subscribers, the audio
// pipeline, the durable sink) observes state exclusively through scoped
// Delta records, never by direct shared access.
package hub
