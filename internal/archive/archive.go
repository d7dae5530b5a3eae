// Package archive exports cached bar series to S3 as parquet objects for
// downstream analytics. It is a one-shot exporter, not a streaming sink:
// the caller hands it the series a request produced and it writes one
// object per symbol.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/logger"
	"stockflow/models"
)

// barRecord is the parquet row layout for an archived bar.
type barRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date      string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
	Timeframe string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the parquet source interface over a byte buffer so
// objects never touch local disk before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

func (m *memoryFile) Seek(int64, int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// Archiver uploads bar series to an S3 bucket.
type Archiver struct {
	cfg      appconfig.S3Config
	s3Client *s3.Client
	version  string
	log      *logger.Log
}

// NewArchiver builds the S3 client from configuration, preferring static
// credentials from the config when present and the default AWS chain
// otherwise.
func NewArchiver(ctx context.Context, cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	s3cfg := cfg.Storage.S3

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		cfg:      s3cfg,
		s3Client: client,
		version:  cfg.Stockflow.Version,
		log:      log,
	}, nil
}

// Archive writes one parquet object per non-empty series. A failed symbol
// is logged and skipped; the first error is returned after all symbols
// have been attempted.
func (a *Archiver) Archive(ctx context.Context, series []models.SymbolSeries, tf models.Timeframe, start, end calendar.Date) error {
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"symbols": len(series),
		"start":   start.String(),
		"end":     end.String(),
	})
	log.Info("archiving bar series")

	var firstErr error
	for _, s := range series {
		if len(s.Bars) == 0 {
			continue
		}
		if err := a.archiveSymbol(ctx, s, tf, start, end); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": s.Symbol}).
				Error("failed to archive symbol")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Archiver) archiveSymbol(ctx context.Context, s models.SymbolSeries, tf models.Timeframe, start, end calendar.Date) error {
	data, err := buildParquet(s.Bars, a.cfg.Compression)
	if err != nil {
		return fmt.Errorf("failed to build parquet for %s: %w", s.Symbol, err)
	}

	key := a.objectKey(s.Symbol, tf, start, end)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.cfg.Compression,
			"stockflow-version": a.version,
		},
	}
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"symbol":    s.Symbol,
		"s3_key":    key,
		"file_size": len(data),
		"bars":      len(s.Bars),
	}).Info("symbol archived")
	return nil
}

// objectKey partitions objects by timeframe and symbol so analytics jobs
// can prune on prefix.
func (a *Archiver) objectKey(symbol string, tf models.Timeframe, start, end calendar.Date) string {
	filename := fmt.Sprintf("%s_%s_%s_%s_%s.parquet",
		symbol, tf, start.String(), end.String(), uuid.New().String()[:8])
	return path.Join(a.cfg.Prefix,
		fmt.Sprintf("timeframe=%s", tf),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d", end.Time().Year(), end.Time().Month()),
		filename)
}

func buildParquet(bars []models.Bar, compression string) ([]byte, error) {
	fw := newMemoryFile()

	pw, err := writer.NewParquetWriter(fw, new(barRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, b := range bars {
		record := barRecord{
			Symbol:    b.Symbol,
			Date:      b.Date.String(),
			Timestamp: b.Date.Time().UnixMilli(),
			Open:      b.Open.InexactFloat64(),
			High:      b.High.InexactFloat64(),
			Low:       b.Low.InexactFloat64(),
			Close:     b.Close.InexactFloat64(),
			Volume:    b.Volume,
			Timeframe: string(b.Timeframe),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}
