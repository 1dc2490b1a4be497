package httpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/bender/httpmsg"
)

func request(t *testing.T, startLine, host string) *httpmsg.Header {
	t.Helper()
	h, err := httpmsg.NewRequestHeader(startLine)
	require.NoError(t, err)
	if host != "" {
		httpmsg.SetHost(h.Headers, host)
	}
	return h
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		startLine string
		host      string
		want      Endpoint
	}{
		{"host header without port", "GET /index.html HTTP/1.1", "example.com", Endpoint{"example.com", 8081}},
		{"host header with port", "GET /index.html HTTP/1.1", "example.com:8080", Endpoint{"example.com", 8080}},
		{"host header wins over uri", "GET http://other.example:9000/ HTTP/1.1", "example.com:8080", Endpoint{"example.com", 8080}},
		{"empty port in host header", "GET / HTTP/1.1", "example.com:", Endpoint{"example.com", 8081}},
		{"ipv6 literal with port", "GET / HTTP/1.1", "[::1]:8443", Endpoint{"::1", 8443}},
		{"ipv6 literal without port", "GET / HTTP/1.1", "[::1]", Endpoint{"::1", 8081}},
		{"absolute uri with port", "GET http://example.org:81/x HTTP/1.1", "", Endpoint{"example.org", 81}},
		{"absolute uri without port", "GET http://example.org/x HTTP/1.1", "", Endpoint{"example.org", 8081}},
		{"https uri defaults to 443", "GET https://example.org/x HTTP/1.1", "", Endpoint{"example.org", 443}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEndpoint(request(t, tt.startLine, tt.host), 8081)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	tests := []struct {
		name      string
		startLine string
		host      string
	}{
		{"port out of range", "GET / HTTP/1.1", "example.com:99999"},
		{"port not numeric", "GET / HTTP/1.1", "example.com:http"},
		{"no host anywhere", "GET /path HTTP/1.1", ""},
		{"empty host with port", "GET / HTTP/1.1", ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveEndpoint(request(t, tt.startLine, tt.host), 80)
			require.Error(t, err)
			assert.True(t, httpmsg.IsParseError(err))
			assert.Equal(t, FailureParse, Classify(err))
		})
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "example.com:80", Endpoint{"example.com", 80}.String())
	assert.Equal(t, "[::1]:8080", Endpoint{"::1", 8080}.String())
}
