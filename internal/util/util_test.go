package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := RandomToken(8)
		assert.Len(t, tok, 8)
		for _, c := range tok {
			assert.True(t, strings.ContainsRune(tokenAlphabet, c), "unexpected rune %q", c)
		}
		seen[tok] = true
	}
	// 36^8 possibilities; 100 draws colliding would mean a broken source.
	assert.Greater(t, len(seen), 95)
}

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{10 * 1024 * 1024, "10.0 MiB"},
	}

	for _, tc := range testCases {
		got := FormatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestStatsCounters(t *testing.T) {
	Stats.Reset()
	defer Stats.Reset()

	Stats.AddSent(10)
	Stats.AddSent(5)
	Stats.AddRecv(7)
	Stats.AddFileSent()
	Stats.AddFileRecv()
	Stats.AddFileRecv()

	assert.EqualValues(t, 15, Stats.BytesSent.Load())
	assert.EqualValues(t, 7, Stats.BytesRecv.Load())
	assert.EqualValues(t, 1, Stats.FilesSent.Load())
	assert.EqualValues(t, 2, Stats.FilesRecv.Load())

	line := formatStats(1024, 0, 1, 2)
	assert.Contains(t, line, "Files:  1↑  2↓")
}
