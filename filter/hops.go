package filter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/synqronlabs/heron"
)

// DefaultMaxHops is the Received header count above which a message is
// treated as looping.
const DefaultMaxHops = 25

// HopCounter rejects messages that carry more than MaxHops Received
// headers.
type HopCounter struct {
	heron.NopFilter
	MaxHops int
}

// CountHops counts Received header fields in the header section of msg.
func CountHops(msg []byte) int {
	hops := 0
	scanner := bufio.NewScanner(bytes.NewReader(msg))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimRight(line, "\r") == "" {
			break
		}
		if len(line) > 9 && strings.EqualFold(line[:9], "received:") {
			hops++
		}
	}
	return hops
}

func (h HopCounter) Body(ctx context.Context, env *heron.Envelope, body []byte) heron.Decision {
	limit := h.MaxHops
	if limit <= 0 {
		limit = DefaultMaxHops
	}
	if hops := CountHops(body); hops > limit {
		return heron.RejectWith(heron.CodeTransactionFailed, "5.4.6", fmt.Sprintf("Too many hops %d (%d max)", hops, limit))
	}
	return heron.Accept
}
