package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/bender/config"
	"github.com/migadu/bender/logger"
)

// ErrNoProxyHeader is returned by ReadProxyHeader in optional mode when the
// connection does not start with a PROXY header.
var ErrNoProxyHeader = errors.New("no PROXY protocol header found")

var proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	proxyV1MaxLength      = 107
	defaultProxyHeaderTimeout = 5 * time.Second
)

// ProxyHeader is what a load balancer in front of the proxy reported about
// the original connection.
type ProxyHeader struct {
	Version     int    // 1 or 2
	Command     string // PROXY, LOCAL or UNKNOWN
	Source      *net.TCPAddr
	Destination *net.TCPAddr
}

// ProxyProtocolReader strips a HAProxy PROXY v1 or v2 header from accepted
// connections.
type ProxyProtocolReader struct {
	optional    bool
	trustedNets []*net.IPNet
	timeout     time.Duration
}

// NewProxyProtocolReader builds a reader from cfg. Only peers inside the
// trusted networks may send a header.
func NewProxyProtocolReader(cfg config.ProxyProtocolConfig) (*ProxyProtocolReader, error) {
	r := &ProxyProtocolReader{
		optional: cfg.Mode == "optional",
		timeout:  defaultProxyHeaderTimeout,
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PROXY protocol timeout: %w", err)
		}
		r.timeout = d
	}

	nets, err := ParseTrustedNetworks(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	r.trustedNets = nets
	return r, nil
}

// IsOptionalMode reports whether connections without a header are accepted.
func (r *ProxyProtocolReader) IsOptionalMode() bool {
	return r.optional
}

// ReadProxyHeader consumes the PROXY header at the start of conn. The
// returned connection must be used for all further reads; it reports the
// original client as its RemoteAddr when the header carried one.
//
// In optional mode a connection without a header yields ErrNoProxyHeader
// together with a usable connection.
func (r *ProxyProtocolReader) ReadProxyHeader(conn net.Conn) (*ProxyHeader, net.Conn, error) {
	if !r.isTrusted(conn.RemoteAddr()) {
		return nil, conn, fmt.Errorf("PROXY protocol: connection from untrusted source %s", GetAddrString(conn.RemoteAddr()))
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return nil, conn, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	br := bufio.NewReader(conn)
	wrapped := &proxiedConn{Conn: conn, reader: br}

	first, err := br.Peek(1)
	if err != nil {
		if r.optional && errors.Is(err, io.EOF) {
			return nil, wrapped, ErrNoProxyHeader
		}
		return nil, conn, fmt.Errorf("failed to peek connection for PROXY header: %w", err)
	}

	var hdr *ProxyHeader
	switch first[0] {
	case 'P':
		if sig, err := br.Peek(6); err == nil && string(sig) == "PROXY " {
			hdr, err = parseProxyV1(br)
			if err != nil {
				return nil, conn, fmt.Errorf("failed to parse PROXY v1 header: %w", err)
			}
		}
	case proxyV2Signature[0]:
		if sig, err := br.Peek(len(proxyV2Signature)); err == nil && bytes.Equal(sig, proxyV2Signature) {
			hdr, err = parseProxyV2(br)
			if err != nil {
				return nil, conn, fmt.Errorf("failed to parse PROXY v2 header: %w", err)
			}
		}
	}

	if hdr == nil {
		if r.optional {
			return nil, wrapped, ErrNoProxyHeader
		}
		return nil, conn, errors.New("PROXY protocol header missing")
	}

	if hdr.Source != nil {
		wrapped.remote = hdr.Source
	}
	logger.Debug("PROXY protocol: Header accepted", "version", hdr.Version, "command", hdr.Command,
		"proxy", GetAddrString(conn.RemoteAddr()), "client", GetAddrString(wrapped.RemoteAddr()))
	return hdr, wrapped, nil
}

func (r *ProxyProtocolReader) isTrusted(addr net.Addr) bool {
	ip := addrIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range r.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseProxyV1 parses "PROXY TCP4 192.0.2.1 198.51.100.1 56324 443\r\n".
func parseProxyV1(br *bufio.Reader) (*ProxyHeader, error) {
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
		if len(line) >= proxyV1MaxLength {
			return nil, errors.New("header line too long")
		}
	}

	parts := strings.Split(strings.TrimRight(string(line), "\r\n"), " ")
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return &ProxyHeader{Version: 1, Command: "UNKNOWN"}, nil
	}
	if len(parts) != 6 {
		return nil, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	if parts[1] != "TCP4" && parts[1] != "TCP6" {
		return nil, fmt.Errorf("unsupported protocol %q", parts[1])
	}

	src, err := v1Addr(parts[2], parts[4])
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dst, err := v1Addr(parts[3], parts[5])
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	return &ProxyHeader{Version: 1, Command: "PROXY", Source: src, Destination: dst}, nil
}

func v1Addr(host, port string) (*net.TCPAddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	return &net.TCPAddr{IP: ip, Port: p}, nil
}

// parseProxyV2 parses the binary header: 12 byte signature, version and
// command, family and transport, big endian payload length, payload.
// TLV extensions after the addresses are skipped.
func parseProxyV2(br *bufio.Reader) (*ProxyHeader, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, err
	}
	if fixed[12]>>4 != 2 {
		return nil, fmt.Errorf("invalid version %d", fixed[12]>>4)
	}

	payload := make([]byte, binary.BigEndian.Uint16(fixed[14:16]))
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}

	switch fixed[12] & 0x0F {
	case 0x0:
		return &ProxyHeader{Version: 2, Command: "LOCAL"}, nil
	case 0x1:
	default:
		return nil, fmt.Errorf("unsupported command %d", fixed[12]&0x0F)
	}

	var ipLen int
	switch fixed[13] >> 4 {
	case 0x0:
		return &ProxyHeader{Version: 2, Command: "UNKNOWN"}, nil
	case 0x1:
		ipLen = net.IPv4len
	case 0x2:
		ipLen = net.IPv6len
	default:
		return nil, fmt.Errorf("unsupported address family %d", fixed[13]>>4)
	}
	if len(payload) < 2*ipLen+4 {
		return nil, fmt.Errorf("payload of %d bytes too short for addresses", len(payload))
	}

	ports := payload[2*ipLen:]
	return &ProxyHeader{
		Version: 2,
		Command: "PROXY",
		Source: &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), payload[:ipLen]...)),
			Port: int(binary.BigEndian.Uint16(ports[0:2])),
		},
		Destination: &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), payload[ipLen:2*ipLen]...)),
			Port: int(binary.BigEndian.Uint16(ports[2:4])),
		},
	}, nil
}

// ParseTrustedNetworks parses a list of CIDR blocks or single addresses.
func ParseTrustedNetworks(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// proxiedConn serves reads from the buffer that held the PROXY header and
// reports the original client address.
type proxiedConn struct {
	net.Conn
	reader *bufio.Reader
	remote net.Addr
}

func (c *proxiedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *proxiedConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}
