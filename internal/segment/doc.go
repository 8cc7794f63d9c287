// Package segment implements the trickle wire codec: it maps an ordered
// sequence of media frames to a self-delimited, sequence-numbered segment
// and back, and frames segments on byte streams such as SRT.
//
// Encoding is deterministic, so a segment retried after a transient send
// failure is byte-identical to the first attempt and a receiver can discard
// duplicates by sequence number. Decoding is all-or-nothing.
//
// This package contains no transport logic; publishers and subscribers live
// in [github.com/zsiec/trickle/trickle].
package segment
