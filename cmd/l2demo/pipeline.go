package main

import (
	"net"

	"github.com/dilation-l2/l2core/core/framer"
	"github.com/dilation-l2/l2core/core/noisewire"
	"github.com/dilation-l2/l2core/core/record"
)

// pipeline bundles one candidate connection's Framer + Record codec over a
// real net.Conn, which itself satisfies l2.Transport (Write/Close).
type pipeline struct {
	conn      net.Conn
	framer    *framer.Framer
	codec     *record.Codec
	transport net.Conn
}

func newPipeline(conn net.Conn, prologue []byte, session noisewire.Session) (*pipeline, error) {
	f := framer.New(conn, framer.Config{
		OutboundPrologue: prologue,
		InboundPrologue:  prologue,
	})
	codec := record.New(record.Config{Framer: f, Session: session})
	if err := codec.ConnectionMade(); err != nil {
		return nil, err
	}
	return &pipeline{conn: conn, framer: f, codec: codec, transport: conn}, nil
}
