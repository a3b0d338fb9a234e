package rpcio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
)

func TestMemDupChunked(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	var buf bytes.Buffer
	w := chainpack.NewWriter(&buf)
	_, err := w.PackBlob(data)
	require.NoError(t, err)

	u := NewUnpacker(&buf)
	var item chainpack.Item
	item.Blob = make([]byte, 0, 17) // force small chunks
	require.NoError(t, u.Unpack(&item))

	got, err := MemDup(u, &item, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestForListSkip(t *testing.T) {
	var buf bytes.Buffer
	w := chainpack.NewWriter(&buf)
	_, err := w.ListBegin()
	require.NoError(t, err)
	_, err = w.PackInt(1)
	require.NoError(t, err)
	_, err = w.ListBegin()
	require.NoError(t, err)
	_, err = w.PackInt(2)
	require.NoError(t, err)
	_, err = w.ContainerEnd()
	require.NoError(t, err)
	_, err = w.PackInt(3)
	require.NoError(t, err)
	_, err = w.ContainerEnd()
	require.NoError(t, err)

	u := NewUnpacker(&buf)
	var item chainpack.Item
	require.NoError(t, u.Unpack(&item))
	require.Equal(t, chainpack.TypeList, item.Type)

	var seen []int64
	err = ForList(u, &item, func(it *chainpack.Item) error {
		if it.Type == chainpack.TypeInt {
			seen = append(seen, it.Int)
			return nil
		}
		return Skip(u, it)
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, seen)
}

func TestForMap(t *testing.T) {
	var buf bytes.Buffer
	w := chainpack.NewWriter(&buf)
	_, err := w.MapBegin()
	require.NoError(t, err)
	_, err = w.PackString("a")
	require.NoError(t, err)
	_, err = w.PackInt(1)
	require.NoError(t, err)
	_, err = w.ContainerEnd()
	require.NoError(t, err)

	u := NewUnpacker(&buf)
	var item chainpack.Item
	require.NoError(t, u.Unpack(&item))
	require.Equal(t, chainpack.TypeMap, item.Type)

	got := map[string]int64{}
	err = ForMap(u, &item, func(k string, v *chainpack.Item) error {
		got[k] = v.Int
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1}, got)
}
