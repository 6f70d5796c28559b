package licensing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyStore(t *testing.T) {
	store, err := ParseLegacyStore(`{
		"ABC123": {"expiresAt": 4102444800000},
		"TEAM": {"expiresAt": "2030-01-02", "plan": "team"},
		"SNAKE": {"expires_at": "1893542400000"},
		"BROKEN": {"plan": 7},
		"SCALAR": "nope"
	}`)
	require.NoError(t, err)

	assert.Len(t, store, 3)
	assert.Equal(t, LegacyKeyRecord{ExpiresAt: 4102444800000}, store["ABC123"])
	assert.Equal(t, LegacyKeyRecord{ExpiresAt: 1893542400000, Plan: "team"}, store["TEAM"])
	assert.Equal(t, int64(1893542400000), store["SNAKE"].ExpiresAt)

	_, ok := store.Lookup("BROKEN")
	assert.False(t, ok, "entries with mistyped fields are skipped")
}

func TestParseLegacyStoreSkipsNullEntries(t *testing.T) {
	store, err := ParseLegacyStore(`{"GONE": null, "KEPT": {"expiresAt": 4102444800000}}`)
	require.NoError(t, err)

	_, ok := store.Lookup("GONE")
	assert.False(t, ok, "a null entry is not a provisioned key")
	_, ok = store.Lookup("KEPT")
	assert.True(t, ok)
}

func TestParseLegacyStoreEmptyAndMalformed(t *testing.T) {
	store, err := ParseLegacyStore("  ")
	require.NoError(t, err)
	assert.Empty(t, store)

	store, err = ParseLegacyStore(`["ABC123"]`)
	require.Error(t, err)
	assert.Empty(t, store)

	store, err = ParseLegacyStore(`{broken`)
	require.Error(t, err)
	assert.NotNil(t, store)
}

func TestLegacyStoreLookupNil(t *testing.T) {
	var store LegacyStore
	_, ok := store.Lookup("ABC123")
	assert.False(t, ok)
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"A":                 "A***A",
		"ABC123":            "AB***3",
		"ORDER-2025-123456": "ORDE****3456",
		"  ABCDEFGH  ":      "ABCD****EFGH",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskKey(in), "MaskKey(%q)", in)
	}
}
