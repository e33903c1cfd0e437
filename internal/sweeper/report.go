package sweeper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportRow is one sweep outcome as stored in the report table.
type ReportRow struct {
	RunID              string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SweptAt            string `parquet:"name=swept_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubjectKind        string `parquet:"name=subject_kind, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SubjectID          int64  `parquet:"name=subject_id, type=INT64"`
	Outcome            string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	RefreshTokenExpiry string `parquet:"name=refresh_token_expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error              string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Report writes one Parquet object per sweep under
// <prefix>dt=YYYY-MM-DD/sweep-<run id>.parquet.
type S3Report struct {
	s3     S3Putter
	bucket string
	prefix string
	// TmpDir holds the local file before upload; defaults to os.TempDir().
	TmpDir string
}

func NewS3Report(client S3Putter, bucket, prefix string) *S3Report {
	return &S3Report{s3: client, bucket: bucket, prefix: prefix}
}

func (r *S3Report) Key(sum *Summary) string {
	return fmt.Sprintf("%sdt=%s/sweep-%s.parquet",
		ensureTrailingSlash(r.prefix),
		sum.StartedAt.UTC().Format("2006-01-02"),
		sum.RunID,
	)
}

func Rows(sum *Summary) []ReportRow {
	rows := make([]ReportRow, 0, len(sum.Results))
	sweptAt := sum.StartedAt.UTC().Format(time.RFC3339)
	for _, res := range sum.Results {
		row := ReportRow{
			RunID:              sum.RunID,
			SweptAt:            sweptAt,
			SubjectKind:        string(res.Subject.Kind),
			SubjectID:          res.Subject.ID,
			Outcome:            string(res.Outcome),
			RefreshTokenExpiry: res.RefreshTokenExpiry.UTC().Format(time.RFC3339),
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *S3Report) Write(ctx context.Context, sum *Summary) (string, error) {
	data, err := r.encode(Rows(sum))
	if err != nil {
		return "", err
	}

	key := r.Key(sum)
	_, err = r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("s3 putobject %s: %w", key, err)
	}
	return key, nil
}

// encode goes through a local file because parquet-go writes via a file source.
func (r *S3Report) encode(rows []ReportRow) ([]byte, error) {
	dir := r.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "token_sweep_*.parquet")
	if err != nil {
		return nil, fmt.Errorf("parquet tmp file: %w", err)
	}
	localPath := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(filepath.Clean(localPath))
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(ReportRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
