// Package nats implements the delivery and eventstream ports on NATS
// JetStream: one stream for runnable-task hand-off with durable
// consumer-group semantics, one stream for lifecycle events with
// cursor-resumable reads.
package nats

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn bundles the NATS connection with its JetStream context so both
// adapters can share one broker connection.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to the NATS server.
func Connect(url string) (*Conn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	slog.Info("nats connected", "url", url)
	return &Conn{nc: nc, js: js}, nil
}

// Close shuts down the NATS connection.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

// sanitizeToken makes an identifier safe for use as a NATS subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '-'
		}
		return r
	}, s)
}
