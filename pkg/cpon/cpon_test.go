package cpon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
)

func pack(t *testing.T, fn func(w *Writer) error) string {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, fn(w))
	return buf.String()
}

func TestPackScalars(t *testing.T) {
	assert.Equal(t, "null", pack(t, func(w *Writer) error { _, err := w.PackNull(); return err }))
	assert.Equal(t, "true", pack(t, func(w *Writer) error { _, err := w.PackBool(true); return err }))
	assert.Equal(t, "false", pack(t, func(w *Writer) error { _, err := w.PackBool(false); return err }))
	assert.Equal(t, "42", pack(t, func(w *Writer) error { _, err := w.PackInt(42); return err }))
	assert.Equal(t, "-1", pack(t, func(w *Writer) error { _, err := w.PackInt(-1); return err }))
	assert.Equal(t, "0u", pack(t, func(w *Writer) error { _, err := w.PackUInt(0); return err }))
	assert.Equal(t, "4294967295u", pack(t, func(w *Writer) error { _, err := w.PackUInt(4294967295); return err }))
}

func TestPackDecimal(t *testing.T) {
	cases := []struct {
		d    chainpack.Decimal
		want string
	}{
		{chainpack.Decimal{}, "0."},
		{chainpack.Decimal{Mantissa: 223}, "223."},
		{chainpack.Decimal{Mantissa: 23, Exponent: -1}, "2.3"},
	}
	for _, c := range cases {
		got := pack(t, func(w *Writer) error { _, err := w.PackDecimal(c.d); return err })
		assert.Equal(t, c.want, got)
	}
}

func TestPackString(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", `""`},
		{"foo", `"foo"`},
		{"dvaačtyřicet", `"dvaačtyřicet"`},
		{"some\t\"tab\"", `"some\t\"tab\""`},
	}
	for _, c := range cases {
		got := pack(t, func(w *Writer) error { _, err := w.PackString(c.in); return err })
		assert.Equal(t, c.want, got)
	}
}

func TestPackBlob(t *testing.T) {
	data := []byte{0x61, 0x62, 0xcd, '\t', '\r', '\n'}
	got := pack(t, func(w *Writer) error { _, err := w.PackBlob(data); return err })
	assert.Equal(t, `b"ab\cd\t\r\n"`, got)
}

func TestPackDateTime(t *testing.T) {
	cases := []struct {
		dt   chainpack.DateTime
		want string
	}{
		{chainpack.DateTime{UnixMilli: 1517529600000, OffsetMinutes: 0}, `d"2018-02-02T00:00:00Z"`},
		{chainpack.DateTime{UnixMilli: 1517529600001, OffsetMinutes: 60}, `d"2018-02-02T01:00:00.001+01"`},
		{chainpack.DateTime{UnixMilli: 1809340212345, OffsetMinutes: 60}, `d"2027-05-03T11:30:12.345+01"`},
	}
	for _, c := range cases {
		got := pack(t, func(w *Writer) error { _, err := w.PackDateTime(c.dt); return err })
		assert.Equal(t, c.want, got)
	}
}

func TestPackListInts(t *testing.T) {
	cases := []struct {
		vals []int64
		want string
	}{
		{nil, "[]"},
		{[]int64{1}, "[1]"},
		{[]int64{1, 2, 3}, "[1,2,3]"},
	}
	for _, c := range cases {
		got := pack(t, func(w *Writer) error {
			if _, err := w.ListBegin(); err != nil {
				return err
			}
			for _, v := range c.vals {
				if _, err := w.PackInt(v); err != nil {
					return err
				}
			}
			_, err := w.ContainerEnd()
			return err
		})
		assert.Equal(t, c.want, got)
	}
}

func TestPackMap(t *testing.T) {
	got := pack(t, func(w *Writer) error {
		if _, err := w.MapBegin(); err != nil {
			return err
		}
		if _, err := w.PackString("foo"); err != nil {
			return err
		}
		if _, err := w.PackString("bar"); err != nil {
			return err
		}
		_, err := w.ContainerEnd()
		return err
	})
	assert.Equal(t, `{"foo":"bar"}`, got)
}

func TestPackIMap(t *testing.T) {
	got := pack(t, func(w *Writer) error {
		if _, err := w.IMapBegin(); err != nil {
			return err
		}
		if _, err := w.PackInt(1); err != nil {
			return err
		}
		if _, err := w.PackInt(2); err != nil {
			return err
		}
		_, err := w.ContainerEnd()
		return err
	})
	assert.Equal(t, "i{1:2}", got)
}

func TestPackMeta(t *testing.T) {
	got := pack(t, func(w *Writer) error {
		if _, err := w.MetaBegin(); err != nil {
			return err
		}
		if _, err := w.PackInt(1); err != nil {
			return err
		}
		if _, err := w.PackInt(2); err != nil {
			return err
		}
		if _, err := w.ContainerEnd(); err != nil {
			return err
		}
		_, err := w.PackInt(3)
		return err
	})
	assert.Equal(t, "<1:2>3", got)
}

func TestUnpackRoundTrip(t *testing.T) {
	docs := []string{
		"null", "true", "false", "42", "-1", "0u", "4294967295u",
		"2.3", `"dvaačtyřicet"`, "[1,2,3]", `{"foo":"bar"}`, "i{1:2}", "<1:2>3",
		`d"2018-02-02T00:00:00Z"`, `d"2018-02-02T01:00:00.001+01"`,
	}
	for _, doc := range docs {
		r := NewReaderString(doc)
		var item chainpack.Item
		require.NoError(t, r.Unpack(&item), "doc=%q", doc)
		assert.NotEqual(t, chainpack.TypeInvalid, item.Type, "doc=%q", doc)
	}
}

func TestUnpackNestedList(t *testing.T) {
	r := NewReaderString("[[]]")
	var types []chainpack.Type
	var item chainpack.Item
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Unpack(&item))
		types = append(types, item.Type)
	}
	assert.Equal(t, []chainpack.Type{chainpack.TypeList, chainpack.TypeList, chainpack.TypeContainerEnd}, types[:3])
}

func TestUnpackDateTimeOffsetRoundTrip(t *testing.T) {
	dt, err := parseDateTime("2018-02-02T01:00:00.001+01")
	require.NoError(t, err)
	assert.EqualValues(t, 1517529600001, dt.UnixMilli)
	assert.Equal(t, 60, dt.OffsetMinutes)
}

func TestCommentsAndWhitespaceSkipped(t *testing.T) {
	r := NewReaderString("[1, // a comment\n 2 /* block */, 3]")
	var item chainpack.Item
	require.NoError(t, r.Unpack(&item))
	require.Equal(t, chainpack.TypeList, item.Type)
	var ints []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Unpack(&item))
		require.Equal(t, chainpack.TypeInt, item.Type)
		ints = append(ints, item.Int)
	}
	assert.Equal(t, []int64{1, 2, 3}, ints)
}
