// Package tftp implements the Trivial File Transfer Protocol.
//
// The package covers RFC 1350 with the option-negotiation extension of
// RFC 2347 (blksize, timeout and tsize options) and the NetASCII
// encoding of RFC 764. It provides the per-transfer connection engine,
// a client driver that performs one read or write per invocation, and a
// server that services many concurrent transfers from a single thread
// using non-blocking UDP sockets and a poll(2) readiness loop.
//
// The engine emits structured events (packets in and out, connection
// lifecycle, errors) through an injected EventSink; a zerolog-backed
// sink is provided for the command-line front-ends.
package tftp
