package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	err := New(ErrSession, "no such session")
	assert.True(t, Is(err, ErrSession))
	assert.False(t, Is(err, ErrCursor))
	assert.Equal(t, "no such session", err.Error())
	assert.Equal(t, ErrSession, CodeOf(err))

	wrapped := fmt.Errorf("can't get session: %w", err)
	assert.True(t, Is(wrapped, ErrSession))
	assert.Equal(t, ErrSession, CodeOf(wrapped))

	assert.Equal(t, ErrUncoded, CodeOf(io.EOF))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrExecution, "query failed"))

	err := Wrap(io.ErrUnexpectedEOF, ErrExecution, "query failed")
	assert.True(t, Is(err, ErrExecution))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "query failed: unexpected EOF", err.Error())

	err = Newf(ErrUnknownFilter, "unknown filter %q", "Foo")
	assert.EqualError(t, err, `unknown filter "Foo"`)
}
