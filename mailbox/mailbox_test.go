package mailbox_test

import (
	"testing"

	"github.com/aoxd/aoxd/mailbox"
	"github.com/stretchr/testify/require"
)

type countingObserver struct{ n int }

func (o *countingObserver) MailboxAdvanced(*mailbox.Mailbox) { o.n++ }

func TestRegistry_ObtainIsIdempotent(t *testing.T) {
	r := mailbox.NewRegistry()
	row := &mailbox.Snapshot{ID: 1, Path: "/u/a", UIDNext: 1, UIDValidity: 100, NextModSeq: 1}

	m1, err := r.Obtain("/u/a", row)
	require.NoError(t, err)
	m2, err := r.Obtain("/u/a", nil)
	require.NoError(t, err)
	require.Same(t, m1, m2)
}

func TestRegistry_ObtainUnknownWithoutRowFails(t *testing.T) {
	r := mailbox.NewRegistry()
	_, err := r.Obtain("/u/missing", nil)
	require.Error(t, err)
}

func TestMailbox_AdvanceNotifiesSubscribers(t *testing.T) {
	r := mailbox.NewRegistry()
	m, err := r.Obtain("/u/a", &mailbox.Snapshot{ID: 1, Path: "/u/a", UIDNext: 1, UIDValidity: 1})
	require.NoError(t, err)

	obs := &countingObserver{}
	m.Subscribe(obs)
	m.Advance(5, 10)
	require.Equal(t, 1, obs.n)
	require.EqualValues(t, 5, m.Snapshot().UIDNext)

	m.Unsubscribe(obs)
	m.Advance(6, 11)
	require.Equal(t, 1, obs.n)
}

func TestMailbox_AdvanceNeverDecreases(t *testing.T) {
	r := mailbox.NewRegistry()
	m, _ := r.Obtain("/u/a", &mailbox.Snapshot{ID: 1, Path: "/u/a", UIDNext: 5, NextModSeq: 5})
	m.Advance(3, 2)
	require.EqualValues(t, 5, m.Snapshot().UIDNext)
	require.EqualValues(t, 5, m.Snapshot().NextModSeq)
}
