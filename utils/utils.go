// Package utils holds small helpers shared by the server and its collaborators.
package utils

import (
	"fmt"
	"net"
	"unicode/utf8"

	"github.com/google/uuid"
)

// GetIPFromAddr extracts the IP address of a network endpoint.
func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// HasEightBit reports whether b holds any byte outside US-ASCII.
func HasEightBit(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// GenerateID returns a random session identifier.
func GenerateID() string {
	return uuid.NewString()
}

// ShortenString trims s to at most max bytes by keeping its head and tail
// around a "..." marker. Used when echoing client input in replies and logs.
func ShortenString(s string, max int) string {
	if max < 8 || len(s) <= max {
		return s
	}
	keep := (max - 3) / 2
	return s[:keep] + "..." + s[len(s)-keep:]
}
