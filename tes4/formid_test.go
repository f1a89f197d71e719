package tes4

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descawed/tesconvert-sub000/errs"
)

func TestFormIDParts(t *testing.T) {
	id := FormID(0x0200ABCD)

	assert.Equal(t, uint8(2), id.Index())
	assert.Equal(t, uint32(0x00ABCD), id.ObjectIndex())
	assert.Equal(t, "0200ABCD", id.String())

	assert.Equal(t, FormID(0x0500ABCD), id.WithIndex(5))
}

func TestResolveFormID(t *testing.T) {
	p, err := New(1.0, false)
	require.NoError(t, err)
	require.NoError(t, p.AddMaster("A.esm"))
	require.NoError(t, p.AddMaster("B.esm"))

	// Master indices follow load order; the plugin itself comes after
	// its last master.
	id, err := p.ResolveFormID("B.esm", 0x123)
	require.NoError(t, err)
	assert.Equal(t, FormID(0x01000123), id)

	id, err = p.ResolveFormID("", 0x5)
	require.NoError(t, err)
	assert.Equal(t, FormID(0x02000005), id)

	// Master names compare case-insensitively.
	id, err = p.ResolveFormID("a.ESM", 0x1)
	require.NoError(t, err)
	assert.Equal(t, FormID(0x00000001), id)

	_, err = p.ResolveFormID("C.esm", 0x1)
	assert.ErrorIs(t, err, errs.ErrUnknownMaster)

	_, err = p.ResolveFormID("", 0x1000000)
	assert.ErrorIs(t, err, errs.ErrObjectIndexRange)
}

func TestMasterListCap(t *testing.T) {
	p, err := New(1.0, false)
	require.NoError(t, err)

	for i := 0; i < MaxMasters; i++ {
		require.NoError(t, p.AddMaster(fmt.Sprintf("m%03d.esm", i)))
	}
	err = p.AddMaster("one_too_many.esm")
	assert.ErrorIs(t, err, errs.ErrTooManyMasters)

	// The last legal master still resolves below the save-reserved
	// index.
	id, err := p.ResolveFormID("m252.esm", 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(252), id.Index())

	// The plugin's own index is 253, one short of the reserved 0xFF.
	id, err = p.ResolveFormID("", 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(MaxMasters), id.Index())
}

func TestNextFormIDMinting(t *testing.T) {
	p, err := New(1.0, false)
	require.NoError(t, err)
	require.NoError(t, p.AddMaster("A.esm"))

	a, err := p.NextFormID()
	require.NoError(t, err)
	b, err := p.NextFormID()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, uint8(1), a.Index(), "minted IDs belong to the plugin itself")
	assert.Equal(t, a.ObjectIndex()+1, b.ObjectIndex())

	// Minting skips IDs already present in the plugin.
	taken := NewRecord(TagGMST, b+1)
	require.NoError(t, p.AddRecord(taken))
	c, err := p.NextFormID()
	require.NoError(t, err)
	assert.NotEqual(t, b+1, c)
}
