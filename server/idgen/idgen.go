// Package idgen generates short identifiers for client connections. IDs
// sort roughly by creation time and are unique within one process.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID distinguishes IDs of concurrently running instances.
	nodeID [2]byte

	sequence atomic.Uint32

	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		hostname, _ := os.Hostname()
		copy(nodeID[:], hostname)
	}
}

// New returns a 16 character ID built from the current time in seconds,
// the node ID, a per-process sequence number and random bytes.
func New() string {
	var id [10]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:6], nodeID[:])
	binary.BigEndian.PutUint16(id[6:8], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[8:10]); err != nil {
		binary.BigEndian.PutUint16(id[8:10], uint16(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(id[:])
}

// Short returns the trailing part of id that changes between consecutive
// IDs, for compact log lines.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return strings.Clone(id[len(id)-8:])
}
