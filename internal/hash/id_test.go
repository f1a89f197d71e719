package hash

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
)

func TestKeyMatchesLoweredHash(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"already lower", "gamehour"},
		{"mixed case", "GameHour"},
		{"upper", "FARGOTH"},
		{"non alpha", "sc_paralyze-2"},
		{"longer than fold chunk", strings.Repeat("DaemonOfRazorsAndBlades_", 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := xxhash.Sum64String(strings.ToLower(tt.id))
			assert.Equal(t, want, Key(tt.id))
		})
	}
}

func TestKeyCaseInsensitive(t *testing.T) {
	assert.Equal(t, Key("gold_001"), Key("Gold_001"))
	assert.Equal(t, Key("GOLD_001"), Key("gold_001"))
	assert.NotEqual(t, Key("gold_001"), Key("gold_010"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("GameHour", "gamehour"))
	assert.True(t, Equal("", ""))
	assert.False(t, Equal("GameHour", "GameDay"))
	assert.False(t, Equal("abc", "abcd"))
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, n)
	seededRand := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range b {
		b[i] = letters[seededRand.Intn(len(letters))]
	}

	return string(b)
}

func BenchmarkKey(b *testing.B) {
	randStr := randString(20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Key(randStr)
	}
}
