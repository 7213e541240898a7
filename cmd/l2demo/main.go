// Command l2demo exercises the full L2 connection core end to end: it dials
// a Leader and a Follower against each other over a real TCP loopback
// connection, drives the handshake, KCM exchange, and selection, then opens
// one sub-channel and logs how many records each side observed. Candidate
// racing and rendezvous are out of scope here, so this command stands in
// for both with a single self-selecting connector.
package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dilation-l2/l2core/core/l2"
	"github.com/dilation-l2/l2core/core/noisewire"
	"github.com/dilation-l2/l2core/core/record"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "l2demo",
		Short: "Drive a Leader/Follower L2 connection over real TCP loopback",
		RunE:  runDemo,
	}
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("demo failed")
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return err
	}
	prologue := []byte("dilation/l2/1")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	followerDone := make(chan error, 1)
	var followerRecords []record.Record
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			followerDone <- err
			return
		}
		followerRecords, err = runFollower(conn, sessionKey, prologue)
		followerDone <- err
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	leaderRecords, err := runLeader(conn, sessionKey, prologue)
	if err != nil {
		return fmt.Errorf("leader: %w", err)
	}

	if err := <-followerDone; err != nil {
		return fmt.Errorf("follower: %w", err)
	}

	log.Info().Int("leader_saw", len(leaderRecords)).Int("follower_saw", len(followerRecords)).Msg("demo complete")
	return nil
}

// runLeader drives the Leader side of one candidate connection: handshake,
// wait for the Follower's KCM, self-select (a stand-in for the Connector
// choosing the sole candidate), send its own KCM, then acknowledge the
// sub-channel Open the Follower sends.
func runLeader(conn net.Conn, sessionKey, prologue []byte) ([]record.Record, error) {
	session, err := noisewire.NewSession(noisewire.RoleInitiator, sessionKey, prologue)
	if err != nil {
		return nil, err
	}
	pipeline, err := newPipeline(conn, prologue, session)
	if err != nil {
		return nil, err
	}

	var seen []record.Record
	manager := &recordSink{records: &seen}
	connector := selfSelectingConnector{manager: manager}

	proto := l2.New(l2.RoleLeader, connector, pipeline.codec, pipeline.transport)
	manager.proto = proto
	return drive(proto, pipeline, &seen)
}

func runFollower(conn net.Conn, sessionKey, prologue []byte) ([]record.Record, error) {
	session, err := noisewire.NewSession(noisewire.RoleResponder, sessionKey, prologue)
	if err != nil {
		return nil, err
	}
	pipeline, err := newPipeline(conn, prologue, session)
	if err != nil {
		return nil, err
	}

	var seen []record.Record
	manager := &recordSink{records: &seen}
	connector := selfSelectingConnector{manager: manager}

	proto := l2.New(l2.RoleFollower, connector, pipeline.codec, pipeline.transport)
	manager.proto = proto
	return drive(proto, pipeline, &seen)
}

// drive pumps bytes from the connection into the protocol's layered stack
// until the sole candidate has been selected and one Open record has been
// exchanged, then returns whatever records the Manager observed.
func drive(proto *l2.Protocol, p *pipeline, seen *[]record.Record) ([]record.Record, error) {
	defer proto.Disconnect()

	buf := make([]byte, 4096)
	for len(*seen) == 0 {
		n, err := p.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		tokens, err := p.codec.DataReceived(buf[:n])
		if err != nil {
			return nil, err
		}
		for _, tok := range tokens {
			switch tok.Kind {
			case record.TokenHandshake:
				if err := proto.HandleHandshake(); err != nil {
					return nil, err
				}
			case record.TokenRecord:
				proto.HandleRecord(tok.Record)
				if tok.Record.Tag == record.TagOpen {
					return *seen, nil
				}
			}
		}
	}
	return *seen, nil
}

// recordSink is the demo's Manager: it collects every record the selected
// candidate delivers and, on the Leader side, acknowledges the Follower's
// sub-channel Open so both legs have something to observe.
type recordSink struct {
	records *[]record.Record
	proto   *l2.Protocol
}

func (s *recordSink) GotRecord(r record.Record) {
	*s.records = append(*s.records, r)
	if r.Tag == record.TagOpen && s.proto.Role == l2.RoleLeader {
		if err := s.proto.SendRecord(record.Ack(r.Seqnum)); err != nil {
			log.Error().Err(err).Msg("leader failed to ack open")
		}
	}
}

// selfSelectingConnector stands in for the real Connector: since this demo
// only ever races a single candidate, it selects it immediately. The Leader
// then sends its deferred KCM, and the Follower opens a demonstration
// sub-channel.
type selfSelectingConnector struct {
	manager l2.Manager
}

func (c selfSelectingConnector) AddCandidate(p *l2.Protocol) {
	p.Select(c.manager)
	switch p.Role {
	case l2.RoleLeader:
		if err := p.SendRecord(record.KCM()); err != nil {
			log.Error().Err(err).Msg("leader failed to send KCM on selection")
		}
	case l2.RoleFollower:
		if err := p.SendRecord(record.Open(record.BE32(1), record.BE32(1))); err != nil {
			log.Error().Err(err).Msg("follower failed to open sub-channel on selection")
		}
	}
}
