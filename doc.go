// Package wellenbrecher implements a high-throughput Pixelflut server: a
// shared RGBA canvas in a named shared-memory region, mutated by many
// concurrent TCP clients through a tiny line-oriented ASCII protocol.
//
// The server runs one worker shard per OS thread. Every shard binds the
// listen port with SO_REUSEPORT and drives its own epoll loop, so accepted
// connections are distributed by the kernel and never migrate between
// shards. The canvas region is the only state shared across shards; all
// pixel access is per-cell atomic.
package wellenbrecher
