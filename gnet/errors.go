package gnet

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument reports a configuration value out of range at a
	// control-surface entry point.
	ErrInvalidArgument = errors.New("gnet: invalid argument")

	// ErrResourceExhausted reports that a memory cap was reached; the
	// offending work item is dropped and the rest of the system is
	// unaffected.
	ErrResourceExhausted = errors.New("gnet: resource limit exceeded")

	// ErrMalformedPacket reports L3/L4 truncation or header inconsistency;
	// the packet is dropped and flow state is untouched.
	ErrMalformedPacket = errors.New("gnet: malformed packet")
)
