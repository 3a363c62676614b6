package atmnet

// aal.go is the adaptation data plane.  An IP datagram (the service data unit, SDU)
// is closed by an 8 byte trailer, padded to a whole number of 48 byte cell payloads,
// and cut into cells; the last cell of a datagram is marked end-of-message (EOM).
// The exit node accumulates cells per (VCI, VPI, interface) until EOM, then checks the
// trailer and hands the SDU up.
//
// Trailer layout, big-endian:
//	byte 0     UU  (user-to-user tag)
//	byte 1     CPI (common part indicator, always 0)
//	bytes 2-3  SDU length
//	bytes 4-7  CRC-32 over everything that precedes it

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	CellPayload int = 48
	CellHeader  int = 5
	CellSize    int = CellPayload + CellHeader
	TrailerLen  int = 8
	MaxSDU      int = 65535
)

// pduLen returns the padded length of the PDU carrying an SDU of sduLen bytes
func pduLen(sduLen int) int {
	raw := sduLen + TrailerLen
	return ((raw + CellPayload - 1) / CellPayload) * CellPayload
}

// encodePDU closes the SDU with padding and the trailer
func encodePDU(sdu []byte, uu byte) ([]byte, error) {
	if len(sdu) == 0 || len(sdu) > MaxSDU {
		return nil, errors.Wrapf(ErrSDUSize, "sdu of %d bytes", len(sdu))
	}
	pdu := make([]byte, pduLen(len(sdu)))
	copy(pdu, sdu)

	trailer := pdu[len(pdu)-TrailerLen:]
	trailer[0] = uu
	trailer[1] = 0
	binary.BigEndian.PutUint16(trailer[2:4], uint16(len(sdu)))
	crc := crc32.ChecksumIEEE(pdu[:len(pdu)-4])
	binary.BigEndian.PutUint32(trailer[4:8], crc)
	return pdu, nil
}

// decodePDU validates a reassembled PDU and returns the SDU it carries
func decodePDU(pdu []byte, maxSDU int) ([]byte, error) {
	if len(pdu) == 0 || len(pdu)%CellPayload != 0 {
		return nil, errors.Wrapf(ErrBadLength, "pdu of %d bytes", len(pdu))
	}
	trailer := pdu[len(pdu)-TrailerLen:]
	sduLen := int(binary.BigEndian.Uint16(trailer[2:4]))

	// a zero length field marks an aborted pdu
	if sduLen == 0 {
		return nil, errors.Wrap(ErrBadLength, "aborted pdu")
	}
	if sduLen > maxSDU {
		return nil, errors.Wrapf(ErrSDUSize, "sdu length %d exceeds %d", sduLen, maxSDU)
	}

	padLen := len(pdu) - TrailerLen - sduLen
	if padLen < 0 || padLen >= CellPayload {
		return nil, errors.Wrapf(ErrBadLength, "length field %d in pdu of %d bytes", sduLen, len(pdu))
	}
	for _, b := range pdu[sduLen : sduLen+padLen] {
		if b != 0 {
			return nil, ErrBadPadding
		}
	}

	if crc32.ChecksumIEEE(pdu[:len(pdu)-4]) != binary.BigEndian.Uint32(trailer[4:8]) {
		return nil, ErrBadCRC
	}

	sdu := make([]byte, sduLen)
	copy(sdu, pdu[:sduLen])
	return sdu, nil
}

// cell is the unit handed to the link: 48 bytes of payload, the connection
// identifiers it travels under, and the end-of-message mark
type cell struct {
	vci     int
	vpi     int
	payload []byte
	eom     bool
}

// segment cuts the SDU into the cells that carry it
func segment(sdu []byte, vci, vpi int) ([]*cell, error) {
	pdu, err := encodePDU(sdu, 0)
	if err != nil {
		return nil, err
	}
	cells := make([]*cell, 0, len(pdu)/CellPayload)
	for offset := 0; offset < len(pdu); offset += CellPayload {
		c := &cell{vci: vci, vpi: vpi, payload: pdu[offset : offset+CellPayload]}
		c.eom = (offset+CellPayload == len(pdu))
		cells = append(cells, c)
	}
	return cells, nil
}

// reasmKey identifies one reassembly in progress.  The VPI is part of the key
// because VCIs are chosen by the calling end systems and two calls arriving on the
// same interface may share one; their VPIs on that link differ.
type reasmKey struct {
	vci    int
	vpi    int
	intrfc int
}

// reasmItem is the accumulation buffer of one PDU.  Once it overflows it stays
// in the discarding state until the EOM cell of the damaged PDU goes by.
type reasmItem struct {
	buf        []byte
	discarding bool
}

// reassembler holds the items of one node
type reassembler struct {
	maxSDU int
	items  map[reasmKey]*reasmItem
}

func createReassembler(maxSDU int) *reassembler {
	if maxSDU <= 0 || maxSDU > MaxSDU {
		maxSDU = MaxSDU
	}
	return &reassembler{maxSDU: maxSDU, items: make(map[reasmKey]*reasmItem)}
}

// accept adds one cell payload to the item for key.  It returns the SDU once an EOM
// cell completes a valid PDU.  An error reports a PDU that was discarded; the error
// is returned once per discarded PDU.
func (ra *reassembler) accept(key reasmKey, payload []byte, eom bool) ([]byte, error) {
	item, present := ra.items[key]
	if !present {
		item = &reasmItem{buf: make([]byte, 0, CellPayload)}
		ra.items[key] = item
	}

	if item.discarding {
		if eom {
			delete(ra.items, key)
		}
		return nil, nil
	}

	item.buf = append(item.buf, payload...)

	if len(item.buf) > pduLen(ra.maxSDU) {
		size := len(item.buf)
		item.buf = nil
		if eom {
			delete(ra.items, key)
		} else {
			item.discarding = true
		}
		return nil, errors.Wrapf(ErrOverflow, "%d bytes accumulated", size)
	}

	if !eom {
		return nil, nil
	}

	delete(ra.items, key)
	return decodePDU(item.buf, ra.maxSDU)
}

// pending reports the bytes held in items still accumulating
func (ra *reassembler) pending() int {
	total := 0
	for _, item := range ra.items {
		total += len(item.buf)
	}
	return total
}

// pendingBuffer holds datagrams offered to a call that is not yet active, in arrival order
type pendingBuffer struct {
	pdus [][]byte
}

func (pb *pendingBuffer) push(sdu []byte) {
	pb.pdus = append(pb.pdus, sdu)
}

// drain empties the buffer, returning its contents in arrival order
func (pb *pendingBuffer) drain() [][]byte {
	rtn := pb.pdus
	pb.pdus = nil
	return rtn
}

func (pb *pendingBuffer) bytes() int {
	total := 0
	for _, sdu := range pb.pdus {
		total += len(sdu)
	}
	return total
}
