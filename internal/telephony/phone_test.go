package telephony

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	got, err := NormalizeNumber(" +1 (415) 555-2671 ", "")
	require.NoError(t, err)
	assert.Equal(t, "+14155552671", got)

	got, err = NormalizeNumber("415-555-2671", "US")
	require.NoError(t, err)
	assert.Equal(t, "+14155552671", got)

	for _, bad := range []string{"", "   ", "not-a-number", "+1", "12345"} {
		_, err := NormalizeNumber(bad, "")
		assert.ErrorIs(t, err, ErrInvalidNumber, bad)
	}
}

func TestNormalizePhone_KeepsUndialableCallerIDs(t *testing.T) {
	assert.Equal(t, "+14155552671", normalizePhone("+1 415 555 2671"))
	assert.Equal(t, "anonymous", normalizePhone(" anonymous "))
	assert.Equal(t, "client:agent-7", normalizePhone("client:agent-7"))
	assert.Equal(t, "", normalizePhone(""))
}
