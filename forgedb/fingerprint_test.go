package forgedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	rows := []map[string]any{
		{"b": 2, "a": 1},
		{"a": 3, "c": "x"},
	}
	pv := map[string]string{"cob_date": "2026-08-21", "region": "emea"}

	fp1, err := Fingerprint(rows, pv, 1)
	require.NoError(t, err)
	fp2, err := Fingerprint(rows, pv, 1)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 16)
}

func TestFingerprintIgnoresMapKeyOrder(t *testing.T) {
	fp1, err := Fingerprint([]map[string]any{{"a": 1, "b": 2}}, nil, 1)
	require.NoError(t, err)
	fp2, err := Fingerprint([]map[string]any{{"b": 2, "a": 1}}, nil, 1)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestFingerprintSensitivity(t *testing.T) {
	rows := []map[string]any{{"a": 1}}
	pv := map[string]string{"d": "1"}

	base, err := Fingerprint(rows, pv, 1)
	require.NoError(t, err)

	otherRows, err := Fingerprint([]map[string]any{{"a": 2}}, pv, 1)
	require.NoError(t, err)
	require.NotEqual(t, base, otherRows)

	otherPartition, err := Fingerprint(rows, map[string]string{"d": "2"}, 1)
	require.NoError(t, err)
	require.NotEqual(t, base, otherPartition)

	otherVersion, err := Fingerprint(rows, pv, 2)
	require.NoError(t, err)
	require.NotEqual(t, base, otherVersion)
}

func TestFingerprintRowOrderMatters(t *testing.T) {
	fp1, err := Fingerprint([]map[string]any{{"a": 1}, {"a": 2}}, nil, 1)
	require.NoError(t, err)
	fp2, err := Fingerprint([]map[string]any{{"a": 2}, {"a": 1}}, nil, 1)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}
