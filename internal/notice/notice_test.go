package notice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	t.Parallel()

	id, ok := ParseID(`javascript:location.href='Details.aspx?SID=abc123&ID=852667'`)
	require.True(t, ok)
	require.Equal(t, "852667", id)

	id, ok = ParseID("https://www.mnpublicnotice.com/Details.aspx?ID=42")
	require.True(t, ok)
	require.Equal(t, "42", id)

	_, ok = ParseID("Details.aspx?SID=abc123")
	require.False(t, ok)

	_, ok = ParseID("")
	require.False(t, ok)
}

func TestEmptyRecordStillProducesRow(t *testing.T) {
	t.Parallel()

	rec := Empty("https://example.com/Details.aspx?ID=7")
	rec.NoticeID = "7"

	require.Equal(t, StateAbbrev, rec.State)
	require.False(t, rec.HasName())

	row := rec.Row()
	require.Len(t, row, len(Columns))
	require.Equal(t, "https://example.com/Details.aspx?ID=7", row[8])
	require.Equal(t, "7", row[9])
}

func TestHasName(t *testing.T) {
	t.Parallel()

	require.False(t, Record{}.HasName())
	require.True(t, Record{FirstName: "Jo"}.HasName())
	require.True(t, Record{LastName: "Smith"}.HasName())
}

func TestRowMatchesColumnOrder(t *testing.T) {
	t.Parallel()

	rec := Record{
		FirstName:  "Jo",
		LastName:   "Smith",
		Street:     "1 Main St",
		City:       "Duluth",
		State:      "MN",
		Zip:        "55802",
		DateOfSale: "March 3, 2026",
		Plaintiff:  "First Bank",
		Link:       "link",
		NoticeID:   "9",
	}
	require.Equal(t, []string{
		"Jo", "Smith", "1 Main St", "Duluth", "MN", "55802",
		"March 3, 2026", "First Bank", "link", "9",
	}, rec.Row())
}
