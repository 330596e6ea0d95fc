package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchableCurrentAndOriginal(t *testing.T) {
	s := New(1)
	assert.Equal(t, 1, s.Current())
	assert.Equal(t, 1, s.Original())

	restore := s.SwitchTo(2)
	assert.Equal(t, 2, s.Current())
	assert.Equal(t, 1, s.Original())

	restore()
	assert.Equal(t, 1, s.Current())
}

func TestSwitchableNestedSwitchRestoresIntermediate(t *testing.T) {
	s := New("a")

	restoreB := s.SwitchTo("b")
	restoreC := s.SwitchTo("c")
	require.Equal(t, "c", s.Current())
	require.Equal(t, "a", s.Original())

	restoreC()
	assert.Equal(t, "b", s.Current(), "popping the inner switch restores the intermediate value, not Original")

	restoreB()
	assert.Equal(t, "a", s.Current())
}

func TestWithRestoresAfterPanic(t *testing.T) {
	s := New(10)

	func() {
		defer func() { _ = recover() }()
		With(s, 20, func() {
			require.Equal(t, 20, s.Current())
			panic("boom")
		})
	}()

	assert.Equal(t, 10, s.Current(), "With must restore even when fn panics")
}
