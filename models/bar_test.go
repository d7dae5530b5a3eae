package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"stockflow/internal/calendar"
)

func testBar(symbol, date string, close float64) Bar {
	c := decimal.NewFromFloat(close)
	return Bar{
		Symbol:    symbol,
		Date:      calendar.MustParse(date),
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    1000,
		Timeframe: Day,
	}
}

func TestMergeBarsDeduplicates(t *testing.T) {
	cached := []Bar{
		testBar("AAPL", "2024-01-02", 185),
		testBar("AAPL", "2024-01-03", 184),
	}
	fetched := []Bar{
		testBar("AAPL", "2024-01-03", 186), // corrected print
		testBar("AAPL", "2024-01-04", 182),
	}

	merged := MergeBars(cached, fetched)
	if len(merged) != 3 {
		t.Fatalf("merged length = %d, want 3", len(merged))
	}

	seen := map[calendar.Date]bool{}
	for _, b := range merged {
		if seen[b.Date] {
			t.Fatalf("duplicate date %s after merge", b.Date)
		}
		seen[b.Date] = true
	}

	// Fetched bars win ties.
	if !merged[1].Close.Equal(decimal.NewFromInt(186)) {
		t.Errorf("collision kept cached value: %s", merged[1].Close)
	}
}

func TestMergeBarsSortsAscending(t *testing.T) {
	cached := []Bar{
		testBar("AAPL", "2024-02-01", 190),
		testBar("AAPL", "2024-01-02", 185),
	}
	fetched := []Bar{
		testBar("AAPL", "2024-01-16", 187),
	}

	merged := MergeBars(cached, fetched)
	for i := 1; i < len(merged); i++ {
		if !merged[i-1].Date.Before(merged[i].Date) {
			t.Fatalf("not ascending at %d: %s >= %s", i, merged[i-1].Date, merged[i].Date)
		}
	}
}

func TestMergeBarsEmptyInputs(t *testing.T) {
	if got := MergeBars(nil, nil); len(got) != 0 {
		t.Fatalf("merge of empty inputs = %d bars", len(got))
	}
	one := []Bar{testBar("MSFT", "2024-01-02", 370)}
	if got := MergeBars(one, nil); len(got) != 1 {
		t.Fatalf("merge with empty fetched = %d bars", len(got))
	}
}

func TestBarJSON(t *testing.T) {
	bar := testBar("AAPL", "2024-01-02", 185.5)
	data, err := json.Marshal(bar)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Bar
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Symbol != bar.Symbol || !out.Date.Equal(bar.Date) ||
		!out.Close.Equal(bar.Close) || out.Volume != bar.Volume || out.Timeframe != bar.Timeframe {
		t.Fatalf("round trip mismatch: %+v != %+v", out, bar)
	}
}
