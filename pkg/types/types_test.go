package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailLevelOrder(t *testing.T) {
	assert.True(t, LevelNone < LevelSize)
	assert.True(t, LevelSize < LevelPrefix)
	assert.True(t, LevelPrefix < LevelSample)
	assert.True(t, LevelSample < LevelFull)
	assert.Equal(t, LevelFull, LevelFull.Next())
	assert.Equal(t, LevelSample, LevelPrefix.Next())
}

func TestParseDetailLevel(t *testing.T) {
	for l := LevelNone; l <= LevelFull; l++ {
		parsed, err := ParseDetailLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseDetailLevel("bogus")
	assert.Error(t, err)
}

func TestDigestComparison(t *testing.T) {
	assert.True(t, Undefined.CompatibleWith(7))
	assert.True(t, Digest(7).CompatibleWith(Undefined))
	assert.True(t, Digest(7).CompatibleWith(7))
	assert.False(t, Digest(7).CompatibleWith(8))

	assert.False(t, Undefined.IdenticalTo(Undefined))
	assert.False(t, Undefined.IdenticalTo(7))
	assert.True(t, Digest(7).IdenticalTo(7))
}

func TestChecksumsLevel(t *testing.T) {
	assert.Equal(t, LevelSize, Checksums{}.Level())
	assert.Equal(t, LevelPrefix, Checksums{Prefix: 1}.Level())
	assert.Equal(t, LevelSample, Checksums{Prefix: 1, Sample: 2}.Level())
	assert.Equal(t, LevelFull, Checksums{Prefix: 1, Sample: 2, Full: 3}.Level())
}

func TestChecksumsCompatible(t *testing.T) {
	a := Checksums{Prefix: 1, SampleBytes: []byte("abc")}
	b := Checksums{Prefix: 1, Sample: 9, SampleBytes: []byte("abc")}
	assert.True(t, a.CompatibleWith(b))

	b.SampleBytes = []byte("abd")
	assert.False(t, a.CompatibleWith(b), "literal prefix bytes short-circuit")

	c := Checksums{Prefix: 2}
	assert.False(t, a.CompatibleWith(c))
}

func TestChecksumsMerge(t *testing.T) {
	have := Checksums{Prefix: 1}
	merged := have.Merge(Checksums{Prefix: 5, Sample: 2, SampleBytes: []byte("x")})

	assert.Equal(t, Digest(1), merged.Prefix, "existing digests win")
	assert.Equal(t, Digest(2), merged.Sample)
	assert.Equal(t, []byte("x"), merged.SampleBytes)
}

func TestDupFlags(t *testing.T) {
	assert.True(t, Unique.IsUnique())
	assert.Equal(t, "", Unique.String())
	assert.Equal(t, "L", LocalDup.String())
	assert.Equal(t, "G", GlobalDup.String())
	assert.Equal(t, "LG", Both.String())
	assert.True(t, Both.HasLocal())
	assert.True(t, Both.HasGlobal())
	assert.False(t, LocalDup.HasGlobal())
}
