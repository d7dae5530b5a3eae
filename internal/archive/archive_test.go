package archive

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	appconfig "stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/logger"
	"stockflow/models"
)

func TestBuildParquetProducesData(t *testing.T) {
	bars := []models.Bar{
		{
			Symbol: "AAPL", Date: calendar.MustParse("2024-03-01"),
			Open: decimal.NewFromFloat(180.5), High: decimal.NewFromFloat(182),
			Low: decimal.NewFromFloat(179.2), Close: decimal.NewFromFloat(181.3),
			Volume: 52_000_000, Timeframe: models.Day,
		},
		{
			Symbol: "AAPL", Date: calendar.MustParse("2024-03-04"),
			Open: decimal.NewFromFloat(181), High: decimal.NewFromFloat(183.4),
			Low: decimal.NewFromFloat(180.9), Close: decimal.NewFromFloat(183.1),
			Volume: 48_000_000, Timeframe: models.Day,
		},
	}

	data, err := buildParquet(bars, "snappy")
	if err != nil {
		t.Fatalf("buildParquet failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("parquet output is empty")
	}
	// Parquet files end with the PAR1 magic.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Error("output missing parquet magic footer")
	}
}

func TestBuildParquetEmptySeries(t *testing.T) {
	data, err := buildParquet(nil, "gzip")
	if err != nil {
		t.Fatalf("buildParquet failed on empty input: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("even an empty parquet file has headers")
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	a := &Archiver{
		cfg: appconfig.S3Config{Prefix: "bars"},
		log: logger.GetLogger(),
	}
	key := a.objectKey("MSFT", models.Day,
		calendar.MustParse("2024-01-02"), calendar.MustParse("2024-03-01"))

	if !strings.HasPrefix(key, "bars/timeframe=1Day/symbol=MSFT/2024/03/") {
		t.Errorf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key missing parquet extension: %s", key)
	}
	if !strings.Contains(key, "MSFT_1Day_2024-01-02_2024-03-01_") {
		t.Errorf("key missing range component: %s", key)
	}
}
