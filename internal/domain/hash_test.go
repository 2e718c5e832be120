package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentHashLegacyDropsZeroPadding(t *testing.T) {
	// sha256("abc") = ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad
	got := ExperimentHash("a", "bc")
	assert.Equal(t, "ba7816bf8f1cfea414140de5dae2223b0361a396177a9cb410ff61f2015ad", got)
	assert.Len(t, got, 61)
}

func TestExperimentHashV1IsPaddedAndPrefixed(t *testing.T) {
	got := HashFormatV1.ExperimentHash("a", "bc")
	assert.Equal(t, "v1:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}

func TestExperimentHashIsOrderSensitive(t *testing.T) {
	assert.NotEqual(t, ExperimentHash("loc-1", "exec-1"), ExperimentHash("exec-1", "loc-1"))
	assert.Equal(t, ExperimentHash("loc-1", "exec-1"), ExperimentHash("loc-1", "exec-1"))
	assert.Equal(t, "f31ad3dcb1b71f2ce478b82a49b2fef50bcace839a704d857a7df66cd6a4", ExperimentHash("loc-1", "exec-1"))
}

func TestParseHashFormat(t *testing.T) {
	f, err := ParseHashFormat("")
	require.NoError(t, err)
	assert.Equal(t, HashFormatLegacy, f)

	f, err = ParseHashFormat(" V1 ")
	require.NoError(t, err)
	assert.Equal(t, HashFormatV1, f)

	_, err = ParseHashFormat("md5")
	assert.Error(t, err)
}
