package errs

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := NotFound("session %s not found", "s1")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "NotFound: session s1 not found", err.Error())

	assert.Equal(t, KindInternal, KindOf(io.EOF))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap(cause, KindTransientTransport, "stream interrupted")

	assert.Equal(t, KindTransientTransport, KindOf(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "stream interrupted")
	assert.Contains(t, err.Error(), cause.Error())
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := InsufficientCredits("balance 0 below 1")
	outer := errors.Wrap(inner, "assist flow")
	assert.True(t, Is(outer, KindInsufficientCredits))
}
