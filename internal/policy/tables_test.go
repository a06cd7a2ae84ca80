package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLeverage_ByCategory(t *testing.T) {
	tb := Default()
	funded, err := tb.Leverage("funded")
	require.NoError(t, err)
	pro, err := tb.Leverage("pro")
	require.NoError(t, err)
	assert.Less(t, funded, pro)

	_, err = tb.Leverage("whale")
	assert.ErrorIs(t, err, ErrUnknownCategory)
	_, err = tb.Ladder("whale")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestConservative_PicksSmallestGuideline(t *testing.T) {
	assert.Equal(t, "stressed", Default().Conservative().Name)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
cycle_ceiling: 6
cycle_ceiling_adaptive: false
fees:
  shares:
    - {name: platform, account: "fees:platform", rate: 0.2}
  tax_rate: 0.1
  tax_account: "reserve:tax"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	tb, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, tb.CycleCeiling)
	assert.False(t, tb.CycleCeilingAdaptive)
	require.Len(t, tb.Fees.Shares, 1)
	assert.Equal(t, 0.2, tb.Fees.Shares[0].Rate)
	// untouched sections keep their defaults
	assert.Len(t, tb.Bands, 4)
	assert.Equal(t, []string{"NIFTY", "BANKNIFTY", "FINNIFTY"}, tb.Symbols())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
allocation:
  symbols:
    - {symbol: NIFTY, weight: 0.5}
    - {symbol: NIFTY, weight: 0.2}
  min_factor: 0.8
  max_factor: 1.2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidTables)
	assert.Contains(t, err.Error(), "duplicate symbol NIFTY")
	assert.Contains(t, err.Error(), "weights sum")
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	tb, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), tb)
}

func TestValidate_Table(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tables)
	}{
		{"open band in middle", func(tb *Tables) { tb.Bands[1].MaxVolatility = 0 }},
		{"bounded last band below previous", func(tb *Tables) {
			tb.Bands[len(tb.Bands)-1].MaxVolatility = tb.Bands[len(tb.Bands)-2].MaxVolatility / 2
		}},
		{"bounded last band equal to previous", func(tb *Tables) {
			tb.Bands[len(tb.Bands)-1].MaxVolatility = tb.Bands[len(tb.Bands)-2].MaxVolatility
		}},
		{"reduce above exceed", func(tb *Tables) { tb.Confidence.ReduceBelow = 0.9 }},
		{"exceed below one", func(tb *Tables) { tb.Confidence.ExceedMultiplier = 0.9 }},
		{"zero leverage", func(tb *Tables) { tb.Categories["pro"] = Category{Leverage: 0, Ladder: []Rung{{"P1", 0}}} }},
		{"descending ladder", func(tb *Tables) {
			tb.Categories["pro"] = Category{Leverage: 3, Ladder: []Rung{{"P1", 10}, {"P2", 5}}}
		}},
		{"zero bucket", func(tb *Tables) { tb.Rounding[0].Bucket = 0 }},
		{"fees eat everything", func(tb *Tables) { tb.Fees.Shares[0].Rate = 0.99 }},
		{"tax of one", func(tb *Tables) { tb.Fees.TaxRate = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tb := Default()
			tc.mutate(tb)
			assert.ErrorIs(t, tb.Validate(), ErrInvalidTables)
		})
	}
}

func TestValidate_BoundedLastBand(t *testing.T) {
	tb := Default()
	tb.Bands[len(tb.Bands)-1].MaxVolatility = 80
	assert.NoError(t, tb.Validate())
}
