package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainResult = "rewind/result/v1"
	DomainWindow = "rewind/window/v1"
	DomainBatch  = "rewind/batch/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the content hash of (key, value, logicVersion).
// Reconciliation compares fingerprints instead of values, so any semantic
// change in one of the three inputs changes the hash while representation
// drift (key order, Unicode normalization) does not.
func Fingerprint(key string, value IRValue, logicVersion string) (string, error) {
	if value == nil {
		return "", fmt.Errorf("Fingerprint: value is required for key %q", key)
	}
	obj := IRObject{
		"key":           IRString(key),
		"value":         value,
		"logic_version": IRString(logicVersion),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainResult, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(key string, value IRValue, logicVersion string) string {
	fp, err := Fingerprint(key, value, logicVersion)
	if err != nil {
		panic(err)
	}
	return fp
}

// WindowID computes the content-addressed ID of a failure window.
func WindowID(start, end time.Time, bucketIndexes []int) string {
	idx := make(IRArray, len(bucketIndexes))
	for i, b := range bucketIndexes {
		idx[i] = IRInt(b)
	}
	obj := IRObject{
		"start":   IRInt(start.UnixNano()),
		"end":     IRInt(end.UnixNano()),
		"buckets": idx,
	}
	// Only ints and arrays of ints: cannot fail.
	canonical, _ := MarshalCanonical(obj)
	return hashWithDomain(DomainWindow, canonical)
}

// BatchID computes the content-addressed ID of a correction batch.
// Identical correction sets always produce the same ID, which makes
// re-applying a committed batch detectable and therefore a no-op.
func BatchID(corrections []Correction) (string, error) {
	arr := make(IRArray, 0, len(corrections))
	for _, c := range corrections {
		entry := IRObject{
			"key":    IRString(c.Key),
			"reason": IRString(string(c.Reason)),
			"old_fp": IRString(c.OldFingerprint),
			"new_fp": IRString(c.NewFingerprint),
		}
		if c.NewValue != nil {
			entry["new_value"] = c.NewValue
		}
		arr = append(arr, entry)
	}

	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("BatchID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBatch, canonical), nil
}
