package guestmem

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGuestMemory(t *testing.T) {
	m, err := New(4*PageSize, true)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uint64(4*PageSize), m.Len())
	require.True(t, m.DMACapable())

	require.NoError(t, m.Fill(PageSize, 1024, 0xAA))
	got := make([]byte, 1024)
	require.NoError(t, m.ReadAt(PageSize, got))
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 1024), got)

	require.NoError(t, m.WriteAt(10, []byte{1, 2, 3}))
	require.NoError(t, m.ReadAt(9, got[:5]))
	require.Equal(t, []byte{0, 1, 2, 3, 0}, got[:5])

	err = m.ReadAt(4*PageSize-2, got[:4])
	require.True(t, errors.Is(err, ErrOutOfRange))
	require.Error(t, m.WriteAt(1<<40, []byte{1}))
}

func TestNewRejectsUnalignedSize(t *testing.T) {
	_, err := New(100, false)
	require.Error(t, err)
}

func TestRange(t *testing.T) {
	m, err := New(2*PageSize, false)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, Range{GPA: 0, Len: 2 * PageSize}.Validate(m))
	require.Error(t, Range{GPA: PageSize, Len: 2 * PageSize}.Validate(m))
	require.Error(t, Range{GPA: 0}.Validate(m))

	require.Equal(t, []uint64{0, PageSize}, Range{GPA: 100, Len: PageSize}.Pages())
	require.Equal(t, []uint64{0}, Range{GPA: 0, Len: PageSize}.Pages())
}
