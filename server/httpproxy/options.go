package httpproxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/migadu/bender/config"
	"github.com/migadu/bender/httpmsg"
	"github.com/migadu/bender/server"
)

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// StreamAcquirer produces the byte streams a proxied exchange runs over. A
// TLS-terminating proxy supplies its own implementation; the default is
// plain TCP in both directions.
type StreamAcquirer interface {
	// AcceptClient turns an accepted connection into the client stream.
	AcceptClient(conn net.Conn) (net.Conn, error)
	// ConnectServer opens a stream to the destination endpoint.
	ConnectServer(ctx context.Context, endpoint Endpoint, dialer Dialer) (net.Conn, error)
}

type plainStreams struct{}

func (plainStreams) AcceptClient(conn net.Conn) (net.Conn, error) {
	return conn, nil
}

func (plainStreams) ConnectServer(ctx context.Context, endpoint Endpoint, dialer Dialer) (net.Conn, error) {
	return dialer.DialContext(ctx, "tcp", endpoint.String())
}

// proxyProtocolStreams strips a PROXY header from client connections
// before the first request is read.
type proxyProtocolStreams struct {
	plainStreams
	reader *server.ProxyProtocolReader
}

func (s proxyProtocolStreams) AcceptClient(conn net.Conn) (net.Conn, error) {
	_, stream, err := s.reader.ReadProxyHeader(conn)
	if errors.Is(err, server.ErrNoProxyHeader) {
		return stream, nil
	}
	return stream, err
}

// Options holds the settings of one proxy server. Zero values fall back to
// the defaults from the config package.
type Options struct {
	Name string
	Addr string

	// DefaultPort is used when neither the Host header nor the request URI
	// names a port.
	DefaultPort int
	KeepAlive   bool

	ClientReadTimeout  time.Duration
	ClientWriteTimeout time.Duration
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ConnectTimeout     time.Duration

	MaxConnections      int
	MaxConnectionsPerIP int
	ListenBacklog       int
	MaxLineLength       int

	Dialer    Dialer
	Streams   StreamAcquirer
	Observers []Observer

	Debug bool
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "http"
	}
	if o.DefaultPort <= 0 {
		o.DefaultPort = config.DefaultHTTPPort
	}
	if o.ClientReadTimeout <= 0 {
		o.ClientReadTimeout = config.DefaultStreamTimeout
	}
	if o.ClientWriteTimeout <= 0 {
		o.ClientWriteTimeout = config.DefaultStreamTimeout
	}
	if o.ServerReadTimeout <= 0 {
		o.ServerReadTimeout = config.DefaultStreamTimeout
	}
	if o.ServerWriteTimeout <= 0 {
		o.ServerWriteTimeout = config.DefaultStreamTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = config.DefaultConnectTimeout
	}
	if o.ListenBacklog <= 0 {
		o.ListenBacklog = 1024
	}
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = httpmsg.DefaultMaxLineLength
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if o.Streams == nil {
		o.Streams = plainStreams{}
	}
	return o
}

// OptionsFromConfig maps one [[server]] block onto Options.
func OptionsFromConfig(cfg config.ProxyServerConfig) (Options, error) {
	opts := Options{
		Name:                cfg.Name,
		Addr:                cfg.Addr,
		DefaultPort:         cfg.GetDefaultPort(),
		KeepAlive:           cfg.GetKeepAlive(),
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ListenBacklog:       cfg.ListenBacklog,
		Debug:               cfg.Debug,
	}

	var err error
	if opts.ClientReadTimeout, err = cfg.GetClientReadTimeout(); err != nil {
		return opts, err
	}
	if opts.ClientWriteTimeout, err = cfg.GetClientWriteTimeout(); err != nil {
		return opts, err
	}
	if opts.ServerReadTimeout, err = cfg.GetServerReadTimeout(); err != nil {
		return opts, err
	}
	if opts.ServerWriteTimeout, err = cfg.GetServerWriteTimeout(); err != nil {
		return opts, err
	}
	if opts.ConnectTimeout, err = cfg.GetConnectTimeout(); err != nil {
		return opts, err
	}
	if opts.MaxLineLength, err = cfg.GetMaxLineLength(); err != nil {
		return opts, err
	}

	if cfg.ProxyProtocol.Enabled {
		reader, err := server.NewProxyProtocolReader(cfg.ProxyProtocol)
		if err != nil {
			return opts, err
		}
		opts.Streams = proxyProtocolStreams{reader: reader}
	}
	return opts, nil
}
