package quoting

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGenerateExample(t *testing.T) {
	specs := Generate(d("100"), 2, d("1"), d("1"), BothSides)
	require.Len(t, specs, 4)

	wantPrices := []string{"98", "99", "101", "102"}
	wantSides := []domain.Side{domain.SideBuy, domain.SideBuy, domain.SideSell, domain.SideSell}
	for i, s := range specs {
		assert.True(t, s.Price.Equal(d(wantPrices[i])), "level %d price %s", i, s.Price)
		assert.Equal(t, wantSides[i], s.Side)
		assert.True(t, s.Amount.Equal(d("1")))
	}
}

func TestGenerateProperties(t *testing.T) {
	tests := []struct {
		name   string
		filter SideFilter
		levels int
		want   int
	}{
		{"both", BothSides, 3, 6},
		{"buy only", BuyOnly, 3, 3},
		{"sell only", SellOnly, 4, 4},
		{"zero levels", BothSides, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs := Generate(d("0.5"), tt.levels, d("0.7"), d("25"), tt.filter)
			require.Len(t, specs, tt.want)
			for i := range specs {
				assert.True(t, specs[i].Amount.Equal(d("25")))
				if i > 0 {
					assert.True(t, specs[i-1].Price.LessThanOrEqual(specs[i].Price), "not ascending at %d", i)
				}
				if tt.filter == BuyOnly {
					assert.Equal(t, domain.SideBuy, specs[i].Side)
				}
				if tt.filter == SellOnly {
					assert.Equal(t, domain.SideSell, specs[i].Side)
				}
			}
		})
	}
}

func TestGenerateDoesNotFilterNonPositive(t *testing.T) {
	// 60% * 2 = 120%，买价为负也原样返回
	specs := Generate(d("10"), 2, d("60"), d("1"), BuyOnly)
	require.Len(t, specs, 2)
	assert.True(t, specs[0].Price.Equal(d("-2")))
}

func TestParseSideFilter(t *testing.T) {
	f, err := ParseSideFilter("BUY")
	require.NoError(t, err)
	assert.Equal(t, BuyOnly, f)

	f, err = ParseSideFilter("")
	require.NoError(t, err)
	assert.Equal(t, BothSides, f)

	_, err = ParseSideFilter("long")
	assert.True(t, domain.IsValidation(err))
}

func TestDistancePct(t *testing.T) {
	lvl := domain.LevelSpec{Side: domain.SideSell, Price: d("101"), Amount: d("1")}
	assert.True(t, DistancePct(lvl, d("100")).Equal(d("1")))
	lines := Preview([]domain.LevelSpec{lvl}, d("100"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "SELL")
	assert.Contains(t, lines[0], "101.000000")
}
