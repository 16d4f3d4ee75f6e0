package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_ByReference(t *testing.T) {
	c, ok := Lookup("XT59591", "Paul", "Walshe")
	require.True(t, ok)
	assert.Equal(t, "XT59591", c.ClientReferenceNumber)
	assert.InDelta(t, 1491.06, c.AccountBalance, 0.001)
}

func TestLookup_NormalisesInput(t *testing.T) {
	c, ok := Lookup("  xt59591 ", " PAUL", "walshe  ")
	require.True(t, ok)
	assert.Equal(t, "Paul", c.FirstName)
}

func TestLookup_ByMobile(t *testing.T) {
	for _, mobile := range []string{"+61402017491", "61402017491", "+61 402-017-491", "614 020 174 91"} {
		c, ok := Lookup(mobile, "Paul", "Walshe")
		require.True(t, ok, mobile)
		assert.Equal(t, "XT59591", c.ClientReferenceNumber, mobile)
	}
}

func TestLookup_NameMismatch(t *testing.T) {
	_, ok := Lookup("XT59591", "Greg", "Walshe")
	assert.False(t, ok)

	_, ok = Lookup("+61402017491", "Paul", "Haynes")
	assert.False(t, ok)
}

func TestLookup_SharedSurname(t *testing.T) {
	rachel, ok := Lookup("ZZ99466", "Rachel", "Clark")
	require.True(t, ok)
	jane, ok := Lookup("LF36852", "Jane", "Clark")
	require.True(t, ok)
	assert.NotEqual(t, rachel.ClientReferenceNumber, jane.ClientReferenceNumber)

	_, ok = Lookup("ZZ99466", "Jane", "Clark")
	assert.False(t, ok)
}

func TestLookup_Unknown(t *testing.T) {
	_, ok := Lookup("AB12345", "Paul", "Walshe")
	assert.False(t, ok)

	_, ok = Lookup("", "Paul", "Walshe")
	assert.False(t, ok)
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	require.Len(t, all, 10)

	all[0].FirstName = "Mutated"
	c, ok := Lookup("XT59591", "Paul", "Walshe")
	require.True(t, ok)
	assert.Equal(t, "Paul", c.FirstName)
}
