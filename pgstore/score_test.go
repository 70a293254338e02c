package pgstore

import (
	"database/sql"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbiangul/hybrideval/fusion"
)

func TestHitScore(t *testing.T) {
	got, err := hitScore("101", sql.NullFloat64{Float64: 0.42, Valid: true})
	require.NoError(t, err)
	assert.Equal(t, 0.42, got)

	for name, score := range map[string]sql.NullFloat64{
		"null": {},
		"nan":  {Float64: math.NaN(), Valid: true},
		"inf":  {Float64: math.Inf(1), Valid: true},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := hitScore("101", score)
			assert.ErrorIs(t, err, fusion.ErrMalformedScore)
			assert.Contains(t, err.Error(), "101")
		})
	}
}
