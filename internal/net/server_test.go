package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnLimiter(t *testing.T) {
	l := NewConnLimiter(2)

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.True(t, l.Acquire("10.0.0.1"))
	assert.False(t, l.Acquire("10.0.0.1"))

	// Another address has its own budget.
	assert.True(t, l.Acquire("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"))

	// Releases below zero do not underflow.
	l.Release("10.0.0.9")
	assert.True(t, l.Acquire("10.0.0.9"))
}
