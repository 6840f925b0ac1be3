// Package util contains misc internal utilities.
package util

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// Signal is a lock-free notification flag shared between two goroutines:
// one sets it, the other acts on it and clears it.  No other state may
// cross that boundary.
type Signal struct {
	v atomic.Bool
}

// Set raises the flag.
func (s *Signal) Set() { s.v.Store(true) }

// Clear lowers the flag.
func (s *Signal) Clear() { s.v.Store(false) }

// IsSet reports whether the flag is raised.
func (s *Signal) IsSet() bool { return s.v.Load() }
