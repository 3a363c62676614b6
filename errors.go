package atmnet

// errors.go declares the error values the package returns to callers.
// Failures local to one call (admission, validation, routing, reassembly) are
// reported through these and counted; violated invariants panic instead.

import "github.com/pkg/errors"

var (
	// ErrBandwidth is returned when an interface does not have enough
	// uncommitted bandwidth for the requested call
	ErrBandwidth = errors.New("atmnet: insufficient uncommitted bandwidth")

	// ErrVPIExhausted is returned when every VPI slot of an interface is busy
	// and the pool may not grow any further
	ErrVPIExhausted = errors.New("atmnet: vpi pool exhausted")

	// ErrNoRoute is returned when a call cannot be extended out of any interface
	ErrNoRoute = errors.New("atmnet: no forwarding path")

	// ErrNoArpEntry is returned when an IP destination resolves to no ATM address
	ErrNoArpEntry = errors.New("atmnet: no address-resolution entry")

	// ErrBadAddress is returned for malformed ATM or IP addresses
	ErrBadAddress = errors.New("atmnet: malformed address")

	// ErrSDUSize is returned when a service data unit is empty or larger than the maximum
	ErrSDUSize = errors.New("atmnet: sdu size out of range")

	ErrBadLength  = errors.New("atmnet: pdu length mismatch")
	ErrBadPadding = errors.New("atmnet: pdu padding not zero")
	ErrBadCRC     = errors.New("atmnet: pdu crc mismatch")
	ErrOverflow   = errors.New("atmnet: reassembly overflow")

	// ErrUnknownNode and ErrUnknownIntrfc are configuration lookups that failed
	ErrUnknownNode   = errors.New("atmnet: unknown node")
	ErrUnknownIntrfc = errors.New("atmnet: unknown interface")

	// ErrNotEndSystem is returned when IP traffic is offered to a switch
	ErrNotEndSystem = errors.New("atmnet: node is not an end system")
)
