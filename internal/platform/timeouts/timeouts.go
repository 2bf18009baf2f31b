// Package timeouts defines shared timeout constants used across the
// pipeline. Centralizing these values prevents drift between component
// boundaries and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// WSWrite caps a single websocket write to a subscriber.
const WSWrite = 10 * time.Second

// WSPong is how long a participant connection may go without answering a
// ping before it is considered disconnected.
const WSPong = 60 * time.Second

// WSPing is the interval between pings on a participant connection. Must
// be shorter than WSPong.
const WSPing = 25 * time.Second

// ASRCall caps a single recognition round-trip to the external
// ASR/diarization capability.
const ASRCall = 30 * time.Second
