package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
)

func TestOptionalDecimal(t *testing.T) {
	d, err := optionalDecimal("price", " ")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = optionalDecimal("price", "0.0123")
	require.NoError(t, err)
	assert.Equal(t, "0.0123", d.String())

	_, err = optionalDecimal("amount", "1e")
	assert.True(t, domain.IsValidation(err))
}
