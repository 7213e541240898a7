// Package l2 implements the per-candidate selection lifecycle (Unselected ->
// Selecting -> Selected) that gates a negotiated connection before it is
// handed to the Dilation Manager, plus the Connector/Manager collaborator
// interfaces and a minimal Transport capability.
package l2

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dilation-l2/l2core/core/record"
)

// Role mirrors the Leader/Follower asymmetry at the selection layer.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

// ErrDisconnect is returned for any protocol violation that must close the
// connection.
var ErrDisconnect = errors.New("l2: disconnecting")

// candidateState is the L2 Protocol's position in its selection lifecycle.
type candidateState int

const (
	unselected candidateState = iota
	selecting
	selected
)

// Connector is the external collaborator that races candidate connections
// and picks a winner. Out of scope for this core; implemented by the caller.
type Connector interface {
	AddCandidate(p *Protocol)
}

// Manager is the external collaborator that consumes decrypted records in
// delivery order once a connection has been selected. Out of scope for this
// core; implemented by the caller.
type Manager interface {
	GotRecord(r record.Record)
}

// Sender is implemented by *record.Codec; accepting the narrower interface
// here keeps Protocol testable without a real Codec.
type Sender interface {
	SendRecord(r record.Record) error
}

// Protocol is one candidate L2 connection's selection-lifecycle state
// machine. It owns a record.Codec (via the Sender interface) and a
// Transport, and is itself owned by the Connector until a winner is
// selected, at which point the Manager adopts it.
type Protocol struct {
	ID   uuid.UUID
	Role Role

	connector Connector
	sender    Sender
	transport Transport

	mu      sync.Mutex
	state   candidateState
	manager Manager

	disconnectedOnce sync.Once
	disconnectedCh   chan struct{}

	log zerolog.Logger
}

// New creates a Protocol in its initial Unselected state.
func New(role Role, connector Connector, sender Sender, transport Transport) *Protocol {
	id := uuid.New()
	return &Protocol{
		ID:             id,
		Role:           role,
		connector:      connector,
		sender:         sender,
		transport:      transport,
		state:          unselected,
		disconnectedCh: make(chan struct{}),
		log:            log.With().Str("component", "l2_protocol").Str("candidate", id.String()).Logger(),
	}
}

// HandleHandshake is called when the record codec emits a Handshake token.
// The Follower sends its KCM immediately; the Leader does nothing here and
// waits to be selected.
func (p *Protocol) HandleHandshake() error {
	if p.Role == RoleFollower {
		if err := p.sender.SendRecord(record.KCM()); err != nil {
			return fmt.Errorf("%w: sending follower KCM: %w", ErrDisconnect, err)
		}
	}
	return nil
}

// HandleRecord is called for every decrypted record. A KCM moves the
// candidate from Unselected to Selecting and registers it with the
// Connector. Any other record received while Unselected/Selecting is logged
// and dropped rather than treated as fatal, since a losing candidate can
// legitimately see a few in-flight records before its peer notices it lost.
// Once Selected, records are delivered to the Manager in order.
func (p *Protocol) HandleRecord(r record.Record) {
	// Collaborators are called without p.mu held, so a Connector may call
	// Select from AddCandidate and a Manager may call SendRecord from
	// GotRecord.
	p.mu.Lock()
	state := p.state
	if state == unselected && r.Tag == record.TagKCM {
		p.state = selecting
	}
	manager := p.manager
	p.mu.Unlock()

	switch state {
	case unselected:
		if r.Tag == record.TagKCM {
			p.connector.AddCandidate(p)
			return
		}
		p.log.Info().Str("tag", fmt.Sprintf("%#x", byte(r.Tag))).Msg("non-KCM record while unselected, dropping")
	case selecting:
		if r.Tag == record.TagKCM {
			p.log.Warn().Msg("duplicate KCM while selecting, dropping")
			return
		}
		p.log.Info().Str("tag", fmt.Sprintf("%#x", byte(r.Tag))).Msg("non-KCM record while selecting, dropping")
	case selected:
		manager.GotRecord(r)
	}
}

// Select is called at most once by the Connector on the winning candidate.
// It stores the Manager reference and enables SendRecord. Sending the
// Leader's own KCM on selection is the Connector/Manager's responsibility,
// not the Protocol's — call SendRecord(record.KCM()) from the caller after
// Select returns if this Protocol is the Leader.
func (p *Protocol) Select(manager Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != selecting {
		panic("l2: Select called outside the Selecting state")
	}
	p.manager = manager
	p.state = selected
}

// SendRecord forwards to the underlying codec. Must not be called before
// Select (except implicitly via HandleHandshake's Follower KCM, which uses
// the Sender directly and does not depend on selection state).
func (p *Protocol) SendRecord(r record.Record) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != selected {
		panic("l2: SendRecord called before Select")
	}
	return p.sender.SendRecord(r)
}

// Disconnect closes the underlying transport and fires when_disconnected
// observers. Safe to call multiple times.
func (p *Protocol) Disconnect() {
	_ = p.transport.Close()
	p.disconnectedOnce.Do(func() {
		close(p.disconnectedCh)
	})
}

// WhenDisconnected returns a channel that is closed by the first Disconnect
// call, standing in for a one-shot disconnect future. Protocol has no
// connection-lost upcall of its own: a transport that drops is not observed
// here until Disconnect is called.
func (p *Protocol) WhenDisconnected() <-chan struct{} {
	return p.disconnectedCh
}
