package cmdline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdline_Insert(t *testing.T) {
	c, err := New(DefaultCapacity)
	require.NoError(t, err)

	require.NoError(t, c.Insert("console", "ttyS0"))
	require.NoError(t, c.Insert("reboot", "k"))
	assert.Equal(t, "console=ttyS0 reboot=k", c.String())

	assert.ErrorIs(t, c.Insert("", "x"), ErrEmptyKey)
	assert.ErrorIs(t, c.Insert("a=b", "x"), ErrHasEquals)
	assert.ErrorIs(t, c.Insert("a b", "x"), ErrHasSpace)
	assert.ErrorIs(t, c.Insert("a", "x y"), ErrHasSpace)
	assert.ErrorIs(t, c.Insert("a", "café"), ErrInvalidASCII)
	assert.ErrorIs(t, c.Insert("a", "tab\there"), ErrInvalidASCII)

	// Failed inserts leave the line alone
	assert.Equal(t, "console=ttyS0 reboot=k", c.String())
}

func TestCmdline_InsertStr(t *testing.T) {
	c, err := New(DefaultCapacity)
	require.NoError(t, err)

	require.NoError(t, c.InsertStr(`console=ttyS0  panic=1 init="/bin/sh -x" quiet`))
	assert.Equal(t, `console=ttyS0 panic=1 init="/bin/sh -x" quiet`, c.String())

	require.NoError(t, c.InsertStr("virtio_mmio.device=4K@0xd0000000:5"))
	assert.True(t, strings.HasSuffix(c.String(), " virtio_mmio.device=4K@0xd0000000:5"))

	assert.Error(t, c.InsertStr(`unterminated="quote`))
}

func TestCmdline_Capacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	// "ab" plus the NUL terminator
	c, err := New(3)
	require.NoError(t, err)
	require.NoError(t, c.InsertStr("ab"))
	assert.ErrorIs(t, c.InsertStr("c"), ErrCommandLineOverflow)
	assert.Equal(t, 2, c.Len())

	c, err = New(8)
	require.NoError(t, err)
	require.NoError(t, c.Insert("a", "b"))
	require.NoError(t, c.Insert("c", "d"))
	assert.ErrorIs(t, c.Insert("e", "f"), ErrCommandLineOverflow)
	assert.Equal(t, "a=b c=d", c.String())
}
