// Package sweeper refreshes token pairs whose refresh token is about to lapse.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Horizon is how far ahead of refresh-token expiry a record gets refreshed.
const Horizon = 7 * 24 * time.Hour

type Lister interface {
	ListActive(ctx context.Context) ([]tokens.Record, error)
}

type Refresher interface {
	Refresh(ctx context.Context, s tokens.Subject, currentRefresh string) (string, string, error)
}

type ReportWriter interface {
	Write(ctx context.Context, sum *Summary) (key string, err error)
}

type Outcome string

const (
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Subject            tokens.Subject
	Outcome            Outcome
	RefreshTokenExpiry time.Time
	Err                error
}

type Summary struct {
	RunID     string
	StartedAt time.Time
	Results   []Result
	Refreshed int
	Skipped   int
	Failed    int
	ReportKey string
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeRefreshed:
		s.Refreshed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

type Sweeper struct {
	Tokens    Lister
	Refresher Refresher
	// Reports and Partitions are optional. Partitions runs only after a
	// report was written.
	Reports    ReportWriter
	Partitions PartitionRegistrar
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func New(list Lister, ref Refresher, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{Tokens: list, Refresher: ref, Log: log, Now: time.Now}
}

// Sweep walks every active record once. A failed refresh is recorded and the
// walk continues.
func (s *Sweeper) Sweep(ctx context.Context) (*Summary, error) {
	now := s.Now()
	sum := &Summary{RunID: uuid.NewString(), StartedAt: now}

	records, err := s.Tokens.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		exp := rec.RefreshTokenExpiry()
		res := Result{Subject: rec.Subject, RefreshTokenExpiry: exp}
		if exp.Sub(now) > Horizon {
			res.Outcome = OutcomeSkipped
			sum.add(res)
			continue
		}

		log := s.Log.WithField("subject", rec.Subject.String()).
			WithField("refresh_token_expiry", exp.UTC().Format(time.RFC3339))
		if _, _, err := s.Refresher.Refresh(ctx, rec.Subject, rec.RefreshToken); err != nil {
			log.WithError(err).Error("sweep refresh failed")
			res.Outcome, res.Err = OutcomeFailed, err
		} else {
			log.Info("sweep refreshed token")
			res.Outcome = OutcomeRefreshed
		}
		sum.add(res)
	}

	if s.Reports != nil {
		key, err := s.Reports.Write(ctx, sum)
		if err != nil {
			s.Log.WithError(err).WithField("run_id", sum.RunID).Error("write sweep report")
		} else {
			sum.ReportKey = key
			if s.Partitions != nil {
				if err := s.Partitions.Register(ctx, sum.StartedAt); err != nil {
					s.Log.WithError(err).WithField("run_id", sum.RunID).Error("register sweep report partition")
				}
			}
		}
	}

	s.Log.WithField("run_id", sum.RunID).
		WithField("refreshed", sum.Refreshed).
		WithField("skipped", sum.Skipped).
		WithField("failed", sum.Failed).
		Info("token sweep finished")
	return sum, nil
}

// Handle is triggered by the EventBridge schedule.
func (s *Sweeper) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	sum, err := s.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":        true,
		"run_id":    sum.RunID,
		"records":   len(sum.Results),
		"refreshed": sum.Refreshed,
		"skipped":   sum.Skipped,
		"failed":    sum.Failed,
		"report":    sum.ReportKey,
	}, nil
}
