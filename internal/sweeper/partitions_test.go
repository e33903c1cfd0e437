package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAthena struct {
	queries []string
	states  []athenatypes.QueryExecutionState
	polls   int
}

func (f *fakeAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.queries = append(f.queries, aws.ToString(in.QueryString))
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil
}

func (f *fakeAthena) GetQueryExecution(context.Context, *athena.GetQueryExecutionInput, ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	st := f.states[f.polls]
	if f.polls < len(f.states)-1 {
		f.polls++
	}
	return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		Status: &athenatypes.QueryExecutionStatus{State: st, StateChangeReason: aws.String("no such table")},
	}}, nil
}

func newPartitions(f *fakeAthena) *AthenaPartitions {
	p := NewAthenaPartitions(f, "shopee", "token_sweeps", "s3://athena-results/", "s3://reports/token_sweeps")
	p.PollInterval = time.Millisecond
	return p
}

func TestAthenaPartitions_Query(t *testing.T) {
	p := newPartitions(&fakeAthena{})
	assert.Equal(t,
		"ALTER TABLE token_sweeps ADD IF NOT EXISTS PARTITION (dt='2024-08-05') LOCATION 's3://reports/token_sweeps/dt=2024-08-05/'",
		p.Query(now))
}

func TestAthenaPartitions_PollsUntilDone(t *testing.T) {
	f := &fakeAthena{states: []athenatypes.QueryExecutionState{
		athenatypes.QueryExecutionStateQueued,
		athenatypes.QueryExecutionStateRunning,
		athenatypes.QueryExecutionStateSucceeded,
	}}
	require.NoError(t, newPartitions(f).Register(context.Background(), now))
	assert.Len(t, f.queries, 1)
	assert.Equal(t, 2, f.polls)
}

func TestAthenaPartitions_Failure(t *testing.T) {
	f := &fakeAthena{states: []athenatypes.QueryExecutionState{athenatypes.QueryExecutionStateFailed}}
	err := newPartitions(f).Register(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestAthenaPartitions_Timeout(t *testing.T) {
	f := &fakeAthena{states: []athenatypes.QueryExecutionState{athenatypes.QueryExecutionStateRunning}}
	p := newPartitions(f)
	p.Timeout = 20 * time.Millisecond
	err := p.Register(context.Background(), now)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAthenaPartitions_RejectsBadOutput(t *testing.T) {
	f := &fakeAthena{}
	p := newPartitions(f)
	p.Output = "athena-results"
	assert.Error(t, p.Register(context.Background(), now))
	assert.Empty(t, f.queries)
}

type recordingPartitions struct {
	days []time.Time
	err  error
}

func (r *recordingPartitions) Register(_ context.Context, day time.Time) error {
	r.days = append(r.days, day)
	return r.err
}

func TestSweep_RegistersPartitionAfterReport(t *testing.T) {
	s := New(staticLister{records: []tokens.Record{rec(tokens.Shop(1), time.Hour)}}, &recordingRefresher{}, logging.Discard())
	s.Now = func() time.Time { return now }
	report := NewS3Report(&fakeS3{}, "reports", "token_sweeps")
	report.TmpDir = t.TempDir()
	s.Reports = report
	parts := &recordingPartitions{err: errors.New("athena down")}
	s.Partitions = parts

	sum, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{now}, parts.days)
	assert.NotEmpty(t, sum.ReportKey)

	parts.days = nil
	report.s3 = &fakeS3{err: errors.New("denied")}
	_, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, parts.days)
}
