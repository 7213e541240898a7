package l2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilation-l2/l2core/core/record"
)

type fakeConnector struct {
	candidates []*Protocol
}

func (c *fakeConnector) AddCandidate(p *Protocol) {
	c.candidates = append(c.candidates, p)
}

type fakeManager struct {
	records []record.Record
}

func (m *fakeManager) GotRecord(r record.Record) {
	m.records = append(m.records, r)
}

type fakeSender struct {
	sent []record.Record
}

func (s *fakeSender) SendRecord(r record.Record) error {
	s.sent = append(s.sent, r)
	return nil
}

type fakeTransport struct {
	closed bool
}

func (t *fakeTransport) Write(p []byte) (int, error) { return len(p), nil }
func (t *fakeTransport) Close() error                { t.closed = true; return nil }

func TestFollowerSendsKCMOnHandshake(t *testing.T) {
	connector := &fakeConnector{}
	sender := &fakeSender{}
	p := New(RoleFollower, connector, sender, &fakeTransport{})

	require.NoError(t, p.HandleHandshake())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, record.TagKCM, sender.sent[0].Tag)
}

func TestLeaderDoesNotSendKCMOnHandshake(t *testing.T) {
	connector := &fakeConnector{}
	sender := &fakeSender{}
	p := New(RoleLeader, connector, sender, &fakeTransport{})

	require.NoError(t, p.HandleHandshake())
	assert.Empty(t, sender.sent)
}

func TestFullLifecycleUnselectedToSelected(t *testing.T) {
	connector := &fakeConnector{}
	sender := &fakeSender{}
	manager := &fakeManager{}
	p := New(RoleLeader, connector, sender, &fakeTransport{})

	p.HandleRecord(record.KCM())
	require.Len(t, connector.candidates, 1)
	assert.Same(t, p, connector.candidates[0])

	p.Select(manager)
	require.NoError(t, p.SendRecord(record.KCM()))
	require.Len(t, sender.sent, 1)

	open := record.Open(record.BE32(1), record.BE32(2))
	p.HandleRecord(open)
	require.Len(t, manager.records, 1)
	assert.Equal(t, open, manager.records[0])
}

func TestNonKCMRecordWhileUnselectedIsDroppedNotFatal(t *testing.T) {
	connector := &fakeConnector{}
	p := New(RoleFollower, connector, &fakeSender{}, &fakeTransport{})

	assert.NotPanics(t, func() {
		p.HandleRecord(record.Open(record.BE32(1), record.BE32(2)))
	})
	assert.Empty(t, connector.candidates)
}

func TestSendRecordBeforeSelectPanics(t *testing.T) {
	p := New(RoleLeader, &fakeConnector{}, &fakeSender{}, &fakeTransport{})
	assert.Panics(t, func() {
		_ = p.SendRecord(record.KCM())
	})
}

func TestSelectOutsideSelectingPanics(t *testing.T) {
	p := New(RoleLeader, &fakeConnector{}, &fakeSender{}, &fakeTransport{})
	assert.Panics(t, func() {
		p.Select(&fakeManager{})
	})
}

func TestDisconnectFiresWhenDisconnectedOnce(t *testing.T) {
	tr := &fakeTransport{}
	p := New(RoleFollower, &fakeConnector{}, &fakeSender{}, tr)

	done := p.WhenDisconnected()
	select {
	case <-done:
		t.Fatal("should not be closed yet")
	default:
	}

	p.Disconnect()
	p.Disconnect() // idempotent
	<-done
	assert.True(t, tr.closed)
}
