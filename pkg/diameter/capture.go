package diameter

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const diameterPort = 3868

// Capture writes Diameter messages to a pcap stream as synthetic
// Ethernet/IPv4/TCP frames so they can be opened in Wireshark.
type Capture struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	seq    uint32
}

// NewCapture writes the pcap file header to w.
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	c := &Capture{w: pw, seq: 1000}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	return c, nil
}

// OpenCapture creates the pcap file at path.
func OpenCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Write records one message travelling from src to dst.
func (c *Capture) Write(src, dst net.Addr, payload []byte) error {
	srcIP, srcPort := endpoint(src)
	dstIP, dstPort := endpoint(dst)

	c.mu.Lock()
	defer c.mu.Unlock()

	ethernet := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e},
		DstMAC:       net.HardwareAddr{0x00, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     c.seq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	c.seq += uint32(len(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ethernet, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	return c.w.WritePacket(ci, buf.Bytes())
}

// Close closes the underlying file, if any.
func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// endpoint extracts an IPv4 address and port, substituting loopback and the
// Diameter port for anything the frame cannot carry.
func endpoint(a net.Addr) (net.IP, int) {
	ip, port := net.IPv4(127, 0, 0, 1), diameterPort
	if tcp, ok := a.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			ip = v4
		}
		if tcp.Port != 0 {
			port = tcp.Port
		}
	}
	return ip.To4(), port
}
