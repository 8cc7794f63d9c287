// Package trickle moves a continuous sequence of media frames between a
// producer and its consumers as numbered segments.
//
// A Publisher batches output frames into segments and sends them in
// sequence order through a SegmentSender. A Subscriber fetches segments
// through a SegmentFetcher, decodes them and exposes the frames through a
// bounded read-ahead buffer, reconnecting from the last acknowledged
// sequence after transient failures. Client pairs one of each under a
// single session identity.
//
// HTTPTransport implements both transport interfaces over HTTP/1.1 or
// HTTP/3 against the segment server in internal/distribution. SRTSender
// pushes segments over SRT to the same server.
package trickle
