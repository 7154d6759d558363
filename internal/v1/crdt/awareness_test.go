package crdt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessSetLocalState(t *testing.T) {
	d := NewDoc("doc")
	aw := d.Awareness()

	update := aw.SetLocalState(`{"cursor":5}`)
	require.NotEmpty(t, update)
	assert.Equal(t, 1, aw.Count())
	assert.Equal(t, `{"cursor":5}`, aw.States()[d.ClientID()])
}

func TestAwarenessApplyUpdatePropagates(t *testing.T) {
	a := NewDoc("doc")
	b := NewDoc("doc")

	update := a.Awareness().SetLocalState(`{"user":"ann"}`)
	seen, err := b.Awareness().ApplyUpdate(update, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ClientID()}, seen)
	assert.Equal(t, `{"user":"ann"}`, b.Awareness().States()[a.ClientID()])
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewDoc("doc")
	b := NewDoc("doc")

	first := a.Awareness().SetLocalState(`{"v":1}`)
	second := a.Awareness().SetLocalState(`{"v":2}`)

	_, err := b.Awareness().ApplyUpdate(second, nil)
	require.NoError(t, err)
	_, err = b.Awareness().ApplyUpdate(first, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, b.Awareness().States()[a.ClientID()])
}

func TestAwarenessNullRemoves(t *testing.T) {
	a := NewDoc("doc")
	b := NewDoc("doc")

	_, err := b.Awareness().ApplyUpdate(a.Awareness().SetLocalState(`{"v":1}`), nil)
	require.NoError(t, err)
	_, err = b.Awareness().ApplyUpdate(a.Awareness().SetLocalState("null"), nil)
	require.NoError(t, err)
	assert.Zero(t, b.Awareness().Count())
}

func TestAwarenessRemoveStates(t *testing.T) {
	a := NewDoc("doc")
	b := NewDoc("doc")

	update := a.Awareness().SetLocalState(`{"v":1}`)
	_, err := b.Awareness().ApplyUpdate(update, nil)
	require.NoError(t, err)

	removal := b.Awareness().RemoveStates([]uint64{a.ClientID()}, nil)
	require.NotNil(t, removal)
	assert.Zero(t, b.Awareness().Count())

	// Removing an absent client yields nothing to broadcast.
	assert.Nil(t, b.Awareness().RemoveStates([]uint64{12345}, nil))

	// The removal update wins over the original state on a third replica.
	c := NewDoc("doc")
	_, err = c.Awareness().ApplyUpdate(update, nil)
	require.NoError(t, err)
	_, err = c.Awareness().ApplyUpdate(removal, nil)
	require.NoError(t, err)
	assert.Zero(t, c.Awareness().Count())
}

func TestAwarenessObservers(t *testing.T) {
	d := NewDoc("doc")
	var added, updated, removed int
	detach := d.Awareness().OnChange(func(a, u, r []uint64, origin any) {
		added += len(a)
		updated += len(u)
		removed += len(r)
	})

	d.Awareness().SetLocalState(`{"v":1}`)
	d.Awareness().SetLocalState(`{"v":2}`)
	d.Awareness().SetLocalState("null")
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, removed)

	detach()
	d.Awareness().SetLocalState(`{"v":3}`)
	assert.Equal(t, 1, added)
}

func TestAwarenessEncodeAll(t *testing.T) {
	a := NewDoc("doc")
	b := NewDoc("doc")
	a.Awareness().SetLocalState(`{"user":"ann"}`)
	b.Awareness().SetLocalState(`{"user":"ben"}`)
	_, err := a.Awareness().ApplyUpdate(b.Awareness().EncodeAll(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Awareness().Count())

	clients, err := AwarenessUpdateClients(a.Awareness().EncodeAll())
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}

func TestAwarenessDecodeError(t *testing.T) {
	d := NewDoc("doc")
	_, err := d.Awareness().ApplyUpdate([]byte{0x01}, nil)
	assert.Error(t, err)
}

func TestAwarenessDecodeRejectsHugeEntryCount(t *testing.T) {
	// An entry count far beyond the payload must be an error, not an
	// allocation of attacker-chosen size.
	update := binary.AppendUvarint(nil, 1<<62)

	d := NewDoc("doc")
	_, err := d.Awareness().ApplyUpdate(update, nil)
	assert.Error(t, err)

	_, err = AwarenessUpdateClients(update)
	assert.Error(t, err)
}
