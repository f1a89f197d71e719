package tes3

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descawed/tesconvert-sub000/errs"
	"github.com/descawed/tesconvert-sub000/format"
)

// encodeHeader builds a TES3 header record fixture. The declared record
// count is a parameter because shipped files carry wrong counts and the
// reader must not trust it.
func encodeHeader(version float32, flags uint32, author, description string, count uint32, extra ...[]byte) []byte {
	hedr := make([]byte, 300)
	binary.LittleEndian.PutUint32(hedr[0:4], math.Float32bits(version))
	binary.LittleEndian.PutUint32(hedr[4:8], flags)
	copy(hedr[8:40], author)
	copy(hedr[40:296], description)
	binary.LittleEndian.PutUint32(hedr[296:300], count)

	fields := append([][]byte{encodeField("HEDR", hedr)}, extra...)

	return encodeRecord("TES3", 0, fields...)
}

func gmstRecord(name string, value float32) []byte {
	return encodeRecord("GMST", 0,
		encodeField("NAME", []byte(name)),
		encodeField("FLTV", binary.LittleEndian.AppendUint32(nil, math.Float32bits(value))),
	)
}

func miscRecord(id string) []byte {
	return encodeRecord("MISC", 0, encodeField("NAME", []byte(id+"\x00")))
}

func TestPluginReadIgnoresDeclaredCount(t *testing.T) {
	// Header claims 99 records; the file holds 3. The stream end is the
	// only authority.
	var file []byte
	file = append(file, encodeHeader(1.3, 0, "tester", "fixture", 99)...)
	file = append(file, gmstRecord("fAIFleeFleeMult", 0.3)...)
	file = append(file, miscRecord("misc_key_a")...)
	file = append(file, miscRecord("misc_key_b")...)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)

	assert.Len(t, p.Records(), 3)
	assert.Equal(t, float32(1.3), p.Version())
	assert.Equal(t, "tester", p.Author())
	assert.Equal(t, "fixture", p.Description())
	assert.False(t, p.IsMaster())
}

func TestPluginByteExactRoundTrip(t *testing.T) {
	var file []byte
	file = append(file, encodeHeader(1.2, 0x1, "someone", "round trip", 99)...)
	file = append(file, gmstRecord("iLevelUpTotal", 10)...)
	file = append(file, miscRecord("misc_key_a")...)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, p.Write(&out))
	assert.Equal(t, file, out.Bytes(),
		"unmodified plugin must reproduce its input, wrong declared count included")
}

func TestPluginDirtyWriteRecomputesCount(t *testing.T) {
	var file []byte
	file = append(file, encodeHeader(1.2, 0, "", "", 99)...)
	file = append(file, miscRecord("misc_key_a")...)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)
	require.NoError(t, p.SetAuthor("editor"))

	var out bytes.Buffer
	require.NoError(t, p.Write(&out))

	back, err := Read(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "editor", back.Author())

	// The rebuilt header declares the true count.
	hedr := out.Bytes()[recordHeaderSize+fieldHeaderSize:]
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(hedr[296:300]))
}

func TestPluginHeaderErrors(t *testing.T) {
	t.Run("not a plugin", func(t *testing.T) {
		_, err := Read(bytes.NewReader(miscRecord("misc_key_a")))
		assert.ErrorIs(t, err, errs.ErrNotPluginFile)
	})

	t.Run("master without size", func(t *testing.T) {
		mast := encodeField("MAST", []byte("Morrowind.esm\x00"))
		file := encodeHeader(1.2, 0, "", "", 0, mast)

		_, err := Read(bytes.NewReader(file))
		assert.ErrorIs(t, err, errs.ErrMasterWithoutSize)
	})

	t.Run("size without master", func(t *testing.T) {
		data := encodeField("DATA", binary.LittleEndian.AppendUint64(nil, 1024))
		file := encodeHeader(1.2, 0, "", "", 0, data)

		_, err := Read(bytes.NewReader(file))
		assert.ErrorIs(t, err, errs.ErrSizeWithoutMaster)
	})
}

func TestPluginMasters(t *testing.T) {
	mast := encodeField("MAST", []byte("Morrowind.esm\x00"))
	data := encodeField("DATA", binary.LittleEndian.AppendUint64(nil, 79_837_557))
	file := encodeHeader(1.2, 0, "", "", 0, mast, data)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)

	masters := p.Masters()
	require.Len(t, masters, 1)
	assert.Equal(t, "Morrowind.esm", masters[0].Name)
	assert.Equal(t, uint64(79_837_557), masters[0].Size)

	// Master names are unique, compared case-insensitively.
	err = p.AddMaster("MORROWIND.ESM", 1)
	assert.ErrorIs(t, err, errs.ErrDuplicateMaster)
	require.NoError(t, p.AddMaster("Tribunal.esm", 1))
}

func TestPluginRecordLookup(t *testing.T) {
	var file []byte
	file = append(file, encodeHeader(1.2, 0, "", "", 2)...)
	file = append(file, miscRecord("misc_Dwrv_Ark_Key00")...)
	file = append(file, gmstRecord("fAIFleeFleeMult", 0.3)...)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)

	// Lookups are case-insensitive.
	rec, err := p.Record("MISC_DWRV_ARK_KEY00")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, format.MakeTag("MISC"), rec.Tag())

	rec, err = p.Record("no_such_id")
	require.NoError(t, err)
	assert.Nil(t, rec, "absent IDs are not an error")
}

func TestPluginDuplicatePolicies(t *testing.T) {
	build := func(t *testing.T, opts ...Option) (*Plugin, error) {
		t.Helper()

		var file []byte
		file = append(file, encodeHeader(1.2, 0, "", "", 2)...)
		file = append(file, miscRecord("shared_id")...)
		file = append(file, miscRecord("SHARED_ID")...)

		return Read(bytes.NewReader(file), opts...)
	}

	t.Run("keep reports ambiguity", func(t *testing.T) {
		p, err := build(t)
		require.NoError(t, err)
		assert.Len(t, p.Records(), 2, "keep retains both records")

		_, err = p.Record("shared_id")
		assert.ErrorIs(t, err, errs.ErrAmbiguousID)
	})

	t.Run("overwrite keeps the newest", func(t *testing.T) {
		p, err := build(t, WithDuplicatePolicy(func(format.Tag) DuplicatePolicy {
			return DuplicateOverwrite
		}))
		require.NoError(t, err)

		rec, err := p.Record("shared_id")
		require.NoError(t, err)
		assert.Same(t, p.Records()[1], rec)
	})

	t.Run("reject fails the read", func(t *testing.T) {
		_, err := build(t, WithDuplicatePolicy(func(format.Tag) DuplicatePolicy {
			return DuplicateReject
		}))
		assert.ErrorIs(t, err, errs.ErrDuplicateID)
	})

	t.Run("policy is per tag", func(t *testing.T) {
		p, err := build(t, WithDuplicatePolicy(func(tag format.Tag) DuplicatePolicy {
			if tag == format.MakeTag("GMST") {
				return DuplicateReject
			}
			return DuplicateKeep
		}))
		require.NoError(t, err)
		assert.Len(t, p.Records(), 2)
	})
}

func TestPluginMagicEffectIndex(t *testing.T) {
	mgef := encodeRecord("MGEF", 0,
		encodeField("INDX", binary.LittleEndian.AppendUint32(nil, 14)),
		encodeField("MEDT", make([]byte, 36)),
	)

	var file []byte
	file = append(file, encodeHeader(1.2, 0, "", "", 1)...)
	file = append(file, mgef...)

	p, err := Read(bytes.NewReader(file))
	require.NoError(t, err)

	rec := p.MagicEffect(14)
	require.NotNil(t, rec)
	assert.Equal(t, TagMGEF, rec.Tag())
	assert.Nil(t, p.MagicEffect(15))
}

func TestPluginMetadataLimits(t *testing.T) {
	p, err := New(1.3, true)
	require.NoError(t, err)
	assert.True(t, p.IsMaster())

	assert.ErrorIs(t, p.SetAuthor(string(make([]byte, MaxAuthorLen+1))), errs.ErrStringTooLong)
	assert.ErrorIs(t, p.SetDescription(string(make([]byte, MaxDescriptionLen+1))), errs.ErrStringTooLong)

	require.NoError(t, p.SetAuthor(string(make([]byte, MaxAuthorLen))))
}

func TestPluginConstructionOptions(t *testing.T) {
	p, err := New(1.3, false,
		WithAuthor("someone"),
		WithDescription("a fixture"),
	)
	require.NoError(t, err)
	assert.Equal(t, "someone", p.Author())
	assert.Equal(t, "a fixture", p.Description())

	rec := NewRecord(format.MakeTag("MISC"))
	f, err := NewField(TagNAME, []byte("new_key\x00"))
	require.NoError(t, err)
	require.NoError(t, rec.AddField(f))
	require.NoError(t, p.AddRecord(rec))

	var out bytes.Buffer
	require.NoError(t, p.Write(&out))

	back, err := Read(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	got, err := back.Record("new_key")
	require.NoError(t, err)
	require.NotNil(t, got)
}
