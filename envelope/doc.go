// Package envelope implements the fixed-layout binary routing header that
// prefixes every payload on the fabric.
//
// This package contains:
//   - Envelope: pack/parse of the 93-byte header plus the router trace
//   - UUID helpers converting between the canonical text form and wire bytes
//   - Source: the per-process sequence/time component injected into constructors
package envelope
