package atmnet

// ippkt.go builds and decodes the IPv4/UDP datagrams the traffic generator offers
// to end systems, and holds the sink that credits delivered datagrams to their flows.

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// seqLen is the size of the sequence number that opens every generated payload
const seqLen int = 4

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// BuildDatagram returns an IPv4/UDP datagram of the flow fk whose payload of size bytes
// starts with the sequence number seq
func BuildDatagram(fk FlowKey, seq uint32, size int) ([]byte, error) {
	if !fk.SrcIP.Is4() || !fk.DstIP.Is4() {
		return nil, errors.Wrapf(ErrBadAddress, "flow %s -> %s", fk.SrcIP, fk.DstIP)
	}
	if size < seqLen {
		size = seqLen
	}
	payload := make([]byte, size)
	binary.BigEndian.PutUint32(payload[:seqLen], seq)

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(fk.SrcIP.AsSlice()),
		DstIP:    net.IP(fk.DstIP.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(fk.SrcPort), DstPort: layers.UDPPort(fk.DstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, "serializing datagram")
	}
	return buf.Bytes(), nil
}

// ParseDatagram recovers the flow key and sequence number from a datagram built by BuildDatagram
func ParseDatagram(dgram []byte) (FlowKey, uint32, error) {
	pckt := gopacket.NewPacket(dgram, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := pckt.ErrorLayer(); errLayer != nil {
		return FlowKey{}, 0, errors.Wrap(errLayer.Error(), "decoding datagram")
	}

	ipLayer := pckt.Layer(layers.LayerTypeIPv4)
	udpLayer := pckt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return FlowKey{}, 0, errors.New("datagram is not IPv4/UDP")
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)

	src, sok := netip.AddrFromSlice(ip.SrcIP)
	dst, dok := netip.AddrFromSlice(ip.DstIP)
	if !sok || !dok {
		return FlowKey{}, 0, errors.Wrap(ErrBadAddress, "datagram addresses")
	}
	fk := FlowKey{SrcIP: src.Unmap(), DstIP: dst.Unmap(), SrcPort: int(udp.SrcPort), DstPort: int(udp.DstPort)}

	payload := udp.LayerPayload()
	if len(payload) < seqLen {
		return fk, 0, errors.Errorf("payload of %d bytes carries no sequence number", len(payload))
	}
	return fk, binary.BigEndian.Uint32(payload[:seqLen]), nil
}

// deliverDatagram is the DeliverFunc of end systems in a built network.  It credits
// each datagram to the flow that sent it.
func (an *AtmNet) deliverDatagram(node *Node, sdu []byte, intrfcName string) {
	fk, seq, err := ParseDatagram(sdu)
	if err != nil {
		DropsTotal.WithLabelValues(node.Name, "malformed").Inc()
		node.log.WithError(err).WithField("intrfc", intrfcName).Debug("undecodable datagram")
		return
	}
	if !node.reachable(fk.DstIP) {
		DropsTotal.WithLabelValues(node.Name, "misdelivered").Inc()
		return
	}

	flow, present := an.flows.byKey[fk]
	if !present {
		DropsTotal.WithLabelValues(node.Name, "no-flow").Inc()
		return
	}
	flow.received(seq)
}
