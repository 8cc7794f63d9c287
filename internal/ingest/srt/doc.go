// Package srt implements SRT listener-mode ingest of trickle segments.
// Publishers connect with stream id "live/{channel}" and send segments
// framed with a uint32 big-endian length prefix; each one is stored in the
// channel's window exactly as an HTTP POST would store it.
package srt
