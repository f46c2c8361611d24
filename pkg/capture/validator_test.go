package capture

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// testPacket builds one qualifying test frame carrying seq.
func testPacket(t *testing.T, seq uint32) []byte {
	t.Helper()
	payload := make([]byte, 18)
	copy(payload, packetMarker)
	binary.LittleEndian.PutUint32(payload[14:], seq)
	return udpPacket(t, payload)
}

func udpPacket(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 1234, DstPort: 4321}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func tcpPacket(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80, SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func buildCapture(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return buf.Bytes()
}

func sequenceCapture(t *testing.T, seqs []uint32) []byte {
	t.Helper()
	frames := make([][]byte, 0, len(seqs))
	for _, s := range seqs {
		frames = append(frames, testPacket(t, s))
	}
	return buildCapture(t, frames...)
}

func sequenceRange(n int) []uint32 {
	seqs := make([]uint32, n)
	for i := range seqs {
		seqs[i] = uint32(i)
	}
	return seqs
}

func TestValidateAcceptsCompleteCapture(t *testing.T) {
	data := sequenceCapture(t, sequenceRange(1000))
	assert.NoError(t, Validate(data, 1000))
}

func TestValidateAcceptsRetransmissionsWithinBand(t *testing.T) {
	// One lost packet replaced by a later retransmission: count still matches,
	// max sequence within [N-1, 2N].
	seqs := sequenceRange(1000)
	seqs[999] = 1400
	data := sequenceCapture(t, seqs)
	assert.NoError(t, Validate(data, 1000))
}

func TestValidateReportsMissingPackets(t *testing.T) {
	data := sequenceCapture(t, sequenceRange(999))
	err := Validate(data, 1000)
	var countErr *PacketCountError
	require.ErrorAs(t, err, &countErr)
	assert.Equal(t, 1000, countErr.Expected)
	assert.Equal(t, 999, countErr.Actual)
}

func TestValidateReportsEmptyCapture(t *testing.T) {
	data := buildCapture(t)
	err := Validate(data, 10)
	var countErr *PacketCountError
	require.ErrorAs(t, err, &countErr)
	assert.Equal(t, 0, countErr.Actual)
}

func TestValidateReportsDuplicateSequenceNumbers(t *testing.T) {
	// One packet delivered twice in place of a lost one: count and range
	// check out, only the duplicate gives it away.
	seqs := sequenceRange(1000)
	seqs[17] = 500
	data := sequenceCapture(t, seqs)
	err := Validate(data, 1000)
	var dupErr *DuplicateSequenceError
	assert.ErrorAs(t, err, &dupErr)
}

func TestValidateReportsSequenceNumberAboveBand(t *testing.T) {
	seqs := sequenceRange(9)
	seqs = append(seqs, 25) // 2*N = 20
	data := sequenceCapture(t, seqs)
	err := Validate(data, 10)
	var rangeErr *SequenceRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, uint32(25), rangeErr.MaxSeq)
	assert.Equal(t, 10, rangeErr.Packets)
}

func TestValidateReportsSequenceNumberBelowBand(t *testing.T) {
	// Max sequence below N-1 means the generator never got far enough; the
	// range check fires before the duplicate check.
	data := sequenceCapture(t, []uint32{0, 1, 1})
	err := Validate(data, 3)
	var rangeErr *SequenceRangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestValidateIgnoresNonUDPPackets(t *testing.T) {
	frames := [][]byte{tcpPacket(t)}
	for _, s := range sequenceRange(5) {
		frames = append(frames, testPacket(t, s))
	}
	frames = append(frames, tcpPacket(t))
	data := buildCapture(t, frames...)
	assert.NoError(t, Validate(data, 5))
}

func TestValidateRejectsWrongUDPLength(t *testing.T) {
	payload := make([]byte, 24)
	copy(payload, packetMarker)
	data := buildCapture(t, udpPacket(t, payload))
	err := Validate(data, 1)
	var udpErr *MalformedUDPError
	assert.ErrorAs(t, err, &udpErr)
}

func TestValidateRejectsWrongMarker(t *testing.T) {
	payload := make([]byte, 18)
	copy(payload, "nak")
	data := buildCapture(t, udpPacket(t, payload))
	err := Validate(data, 1)
	var udpErr *MalformedUDPError
	assert.ErrorAs(t, err, &udpErr)
}

func TestValidateStopsAtMalformedUDPPacket(t *testing.T) {
	// A malformed UDP record aborts validation no matter how much valid
	// traffic surrounds it.
	bad := make([]byte, 18)
	copy(bad, "nak")
	frames := [][]byte{testPacket(t, 0), udpPacket(t, bad), testPacket(t, 1)}
	data := buildCapture(t, frames...)
	err := Validate(data, 2)
	var udpErr *MalformedUDPError
	assert.ErrorAs(t, err, &udpErr)
}

func TestValidateRejectsUndecodableFrame(t *testing.T) {
	data := buildCapture(t, []byte{0x01, 0x02, 0x03})
	err := Validate(data, 1)
	var frameErr *MalformedPacketError
	assert.ErrorAs(t, err, &frameErr)
}

func TestValidateRejectsGarbageContainer(t *testing.T) {
	err := Validate([]byte("this is not a pcap file"), 10)
	var pcapErr *PcapError
	assert.ErrorAs(t, err, &pcapErr)
}
