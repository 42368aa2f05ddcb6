package filterexpr

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text     string
		table    string
		where    string
		orderBy  string
		top      int
		explicit bool
	}{
		{"FILTER ActiveMeasurements WHERE SignalType = 'FREQ'", "ActiveMeasurements", "SignalType = 'FREQ'", "", NoLimit, true},
		{"filter top 5 Mappings where TypeIdentifier LIKE 'Phas%' order by MappingIdentifier", "Mappings", "TypeIdentifier LIKE 'Phas%'", "MappingIdentifier", 5, true},
		{"Mappings WHERE PointTag = 'a WHERE b' TOP 2", "Mappings", "PointTag = 'a WHERE b'", "", 2, false},
		{"Mappings ORDER BY TypeCategory DESC,  MappingIdentifier", "Mappings", "", "TypeCategory DESC,  MappingIdentifier", NoLimit, false},
		{"  Mappings  ", "Mappings", "", "", NoLimit, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			expr, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.table, expr.Table)
			assert.Equal(t, tt.where, expr.Where)
			assert.Equal(t, tt.orderBy, expr.OrderBy)
			assert.Equal(t, tt.top, expr.Top)
			assert.Equal(t, tt.explicit, expr.Explicit)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("PPA:1; PPA:2")
	assert.True(t, errors.Is(err, ErrNotFilterExpression))

	_, err = Parse("FILTER")
	assert.Error(t, err)

	_, err = Parse("FILTER Mappings WHERE")
	assert.Error(t, err)

	_, err = Parse("FILTER Mappings garbage")
	assert.Error(t, err)
}

func TestIsFilterExpression(t *testing.T) {
	assert.True(t, IsFilterExpression("FILTER Mappings"))
	assert.True(t, IsFilterExpression("Mappings WHERE 1=1"))
	assert.False(t, IsFilterExpression("M1"))
	assert.False(t, IsFilterExpression("M1; M2"))
	assert.False(t, IsFilterExpression("6f2c1a52-8f3b-4a9b-9c1e-2f7a9d41c0de"))
}

func TestDatabase_Select(t *testing.T) {
	ctx := context.Background()
	db, err := Open(zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	columns := []Column{{"TypeCategory", Text}, {"TypeIdentifier", Text}, {"MappingIdentifier", Text}, {"Rank", Integer}}
	require.NoError(t, db.CreateTable(ctx, "Mappings", columns, [][]any{
		{"ECA", "Phasor", "M1", 3},
		{"ECA", "Phasor", "M2", 1},
		{"UDT", "Other", "M3", 2},
	}))
	assert.True(t, db.HasTable("mappings"))

	expr, err := Parse("FILTER mappings WHERE TypeIdentifier = 'Phasor' ORDER BY Rank")
	require.NoError(t, err)
	rows, err := db.Select(ctx, expr, "MappingIdentifier", "Rank")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"M2", "1"}, {"M1", "3"}}, rows)

	expr, err = Parse("FILTER TOP 1 Mappings ORDER BY MappingIdentifier DESC")
	require.NoError(t, err)
	rows, err = db.Select(ctx, expr, "MappingIdentifier")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"M3"}}, rows)

	expr, err = Parse("FILTER Devices")
	require.NoError(t, err)
	_, err = db.Select(ctx, expr)
	assert.True(t, errors.Is(err, ErrUnknownTable))

	// Reloading replaces the contents.
	require.NoError(t, db.CreateTable(ctx, "Mappings", columns, nil))
	expr, _ = Parse("FILTER Mappings")
	rows, err = db.Select(ctx, expr)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDatabase_RowArity(t *testing.T) {
	db, err := Open(zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	err = db.CreateTable(context.Background(), "T", []Column{{"A", Text}}, [][]any{{"x", "y"}})
	assert.Error(t, err)
	assert.False(t, db.HasTable("T"))
}
