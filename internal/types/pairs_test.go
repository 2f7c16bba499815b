package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPairSupported(t *testing.T) {
	assert.True(t, IsPairSupported(CurrencyEUR, CurrencyAOA))
	assert.True(t, IsPairSupported(CurrencyAOA, CurrencyEUR))
	assert.False(t, IsPairSupported(CurrencyEUR, CurrencyEUR))
	assert.False(t, IsPairSupported("USD", CurrencyAOA))
	assert.False(t, IsPairSupported("", ""))
}

func TestOrderIsOpen(t *testing.T) {
	for status, open := range map[string]bool{
		OrderStatusPending:         true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          false,
		OrderStatusCancelled:       false,
	} {
		o := Order{Status: status}
		assert.Equal(t, open, o.IsOpen(), "status %s", status)
	}
}
