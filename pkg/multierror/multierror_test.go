package multierror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel")

func TestAppendFromNil(t *testing.T) {
	r := require.New(t)

	r.Nil(Append(nil))
	r.Nil(Append(nil, nil, nil))

	err := Append(nil, errSentinel)
	r.Same(errSentinel, err)
}

func TestAppendAccumulates(t *testing.T) {
	r := require.New(t)

	e1 := errors.New("first")
	e2 := errors.New("second")

	err := Append(nil, e1)
	err = Append(err, e2)

	var me *MultiError
	r.ErrorAs(err, &me)
	r.Len(me.Errors(), 2)
	r.ErrorIs(err, e1)
	r.ErrorIs(err, e2)
}

func TestIsSeesWrapped(t *testing.T) {
	wrapped := fmt.Errorf("stopping container: %w", errSentinel)
	err := Combine(errors.New("other"), wrapped)

	require.ErrorIs(t, err, errSentinel)
}

func TestCombineFlattens(t *testing.T) {
	r := require.New(t)

	inner := Combine(errors.New("a"), errors.New("b"))
	outer := Combine(inner, errors.New("c"))

	var me *MultiError
	r.ErrorAs(outer, &me)
	r.Len(me.Errors(), 3)
}
