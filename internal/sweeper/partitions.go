package sweeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

type PartitionRegistrar interface {
	Register(ctx context.Context, day time.Time) error
}

type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

// AthenaPartitions adds the dt partition of a report to the sweep table so it
// is queryable without a full MSCK REPAIR.
type AthenaPartitions struct {
	athena    AthenaAPI
	Database  string
	Table     string
	Workgroup string
	// Output is the s3:// query result location.
	Output string
	// Location is the s3:// root the report keys live under.
	Location string

	PollInterval time.Duration
	Timeout      time.Duration
}

func NewAthenaPartitions(client AthenaAPI, database, table, output, location string) *AthenaPartitions {
	return &AthenaPartitions{
		athena:       client,
		Database:     database,
		Table:        table,
		Workgroup:    "primary",
		Output:       output,
		Location:     ensureTrailingSlash(location),
		PollInterval: 2 * time.Second,
		Timeout:      60 * time.Second,
	}
}

func (p *AthenaPartitions) Query(day time.Time) string {
	dt := day.UTC().Format("2006-01-02")
	return fmt.Sprintf("ALTER TABLE %s ADD IF NOT EXISTS PARTITION (dt='%s') LOCATION '%sdt=%s/'",
		p.Table, dt, p.Location, dt)
}

func (p *AthenaPartitions) Register(ctx context.Context, day time.Time) error {
	if !strings.HasPrefix(p.Output, "s3://") {
		return fmt.Errorf("athena output must start with s3://, got %q", p.Output)
	}

	start, err := p.athena.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(p.Query(day)),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(p.Database),
		},
		WorkGroup: aws.String(p.Workgroup),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(p.Output),
		},
	})
	if err != nil {
		return fmt.Errorf("athena start query: %w", err)
	}
	qid := aws.ToString(start.QueryExecutionId)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	for {
		st, err := p.athena.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return fmt.Errorf("athena get query %s: %w", qid, err)
		}
		if st.QueryExecution != nil && st.QueryExecution.Status != nil {
			switch st.QueryExecution.Status.State {
			case athenatypes.QueryExecutionStateSucceeded:
				return nil
			case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
				return fmt.Errorf("athena query %s %s: %s", qid, st.QueryExecution.Status.State,
					aws.ToString(st.QueryExecution.Status.StateChangeReason))
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("athena query %s: %w", qid, ctx.Err())
		case <-time.After(p.PollInterval):
		}
	}
}
