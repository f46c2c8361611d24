package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Test packets are UDP datagrams of exactly 26 bytes (8 byte header plus
// 18 byte payload) whose payload starts with the ASCII marker and ends with a
// little-endian sequence number.
const (
	packetMarker = "ixy"
	udpLength    = 26
)

// PcapError reports a capture container that could not be parsed at all.
type PcapError struct {
	Err error
}

func (e *PcapError) Error() string { return fmt.Sprintf("could not parse capture: %v", e.Err) }
func (e *PcapError) Unwrap() error { return e.Err }

// MalformedPacketError reports a captured record that does not decode as an
// Ethernet/IP frame.
type MalformedPacketError struct {
	Packet []byte
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("could not parse captured frame: %x", e.Packet)
}

// MalformedUDPError reports a UDP record that does not match the test packet
// format.
type MalformedUDPError struct {
	Packet []byte
}

func (e *MalformedUDPError) Error() string {
	return fmt.Sprintf("unexpected udp packet in capture: %x", e.Packet)
}

// PacketCountError reports a capture holding the wrong number of test packets.
type PacketCountError struct {
	Expected int
	Actual   int
}

func (e *PacketCountError) Error() string {
	return fmt.Sprintf("expected %d test packets in capture, found %d", e.Expected, e.Actual)
}

// SequenceRangeError reports a maximum sequence number outside the tolerated
// band for the expected packet count.
type SequenceRangeError struct {
	Packets int
	MaxSeq  uint32
}

func (e *SequenceRangeError) Error() string {
	return fmt.Sprintf("bad maximum sequence number %d for %d test packets", e.MaxSeq, e.Packets)
}

// DuplicateSequenceError reports a sequence number occurring more than once.
type DuplicateSequenceError struct{}

func (e *DuplicateSequenceError) Error() string {
	return "duplicate sequence number in capture"
}

// Validate checks that data is a well-formed capture of exactly packets test
// packets. Non-UDP records are ignored; any UDP record that is not a test
// packet aborts validation. The maximum sequence number may lie anywhere in
// [packets-1, 2*packets]: the packet generator keeps numbering retransmitted
// frames, so a few extras are tolerated without masking gross loss.
func Validate(data []byte, packets int) error {
	r, err := pcapgo.NewReader(bytes.NewReader(data))
	if err != nil {
		return &PcapError{Err: err}
	}

	seqNums := make([]uint32, 0, packets)
	var maxSeq uint32
	for {
		rec, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &PcapError{Err: err}
		}
		pkt := gopacket.NewPacket(rec, layers.LayerTypeEthernet, gopacket.Default)
		udp, ok := pkt.TransportLayer().(*layers.UDP)
		if !ok {
			if pkt.ErrorLayer() != nil {
				return &MalformedPacketError{Packet: rec}
			}
			log.Debug("ignoring non-UDP packet in capture")
			continue
		}
		payload := udp.Payload
		if int(udp.Length) != udpLength || len(payload) < len(packetMarker)+4 ||
			!bytes.HasPrefix(payload, []byte(packetMarker)) {
			return &MalformedUDPError{Packet: rec}
		}
		seq := binary.LittleEndian.Uint32(payload[len(payload)-4:])
		seqNums = append(seqNums, seq)
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	if len(seqNums) != packets {
		return &PacketCountError{Expected: packets, Actual: len(seqNums)}
	}
	if int(maxSeq) < packets-1 || int(maxSeq) > 2*packets {
		return &SequenceRangeError{Packets: packets, MaxSeq: maxSeq}
	}
	count := len(seqNums)
	slices.Sort(seqNums)
	if len(slices.Compact(seqNums)) != count {
		return &DuplicateSequenceError{}
	}
	return nil
}
