package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashFormat selects how an experiment fingerprint is rendered.
type HashFormat string

const (
	// HashFormatLegacy renders each digest byte as hex without zero padding.
	// Stored hashes from earlier deployments use this form, so it stays the default.
	HashFormatLegacy HashFormat = "legacy"
	// HashFormatV1 renders the digest as zero-padded hex with a "v1:" prefix.
	HashFormatV1 HashFormat = "v1"
)

const hashV1Prefix = "v1:"

func ParseHashFormat(value string) (HashFormat, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(HashFormatLegacy):
		return HashFormatLegacy, nil
	case string(HashFormatV1):
		return HashFormatV1, nil
	default:
		return "", fmt.Errorf("unsupported hash format: %q", value)
	}
}

// ExperimentHash fingerprints a (location, executor) pair. Argument order matters.
func (f HashFormat) ExperimentHash(locationID, executorID string) string {
	sum := sha256.Sum256([]byte(locationID + executorID))
	if f == HashFormatV1 {
		return hashV1Prefix + hex.EncodeToString(sum[:])
	}
	var b strings.Builder
	b.Grow(len(sum) * 2)
	for _, v := range sum {
		b.WriteString(strconv.FormatUint(uint64(v), 16))
	}
	return b.String()
}

// ExperimentHash uses the legacy encoding.
func ExperimentHash(locationID, executorID string) string {
	return HashFormatLegacy.ExperimentHash(locationID, executorID)
}
