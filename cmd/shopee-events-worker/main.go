package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/idako2023/frappe-shopee/internal/config"
	"github.com/idako2023/frappe-shopee/internal/db"
	"github.com/idako2023/frappe-shopee/internal/entities"
	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/tokens"
	"github.com/idako2023/frappe-shopee/internal/webhook"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/sirupsen/logrus"
)

// snsEnvelope is the SQS body of a message delivered from an SNS subscription.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, s tokens.Subject, code int, at time.Time) error
}

type worker struct {
	entities EventRecorder
	log      logrus.FieldLogger
}

func (w *worker) handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, rec := range sqsEvent.Records {
		if err := w.processOne(ctx, rec.Body); err != nil {
			w.log.WithError(err).WithField("message_id", rec.MessageId).Error("shopee event failed")
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (w *worker) processOne(ctx context.Context, body string) error {
	msg := body
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Message != "" {
		msg = env.Message
	}

	var ev webhook.Event
	if err := json.Unmarshal([]byte(msg), &ev); err != nil {
		// Retrying cannot fix a body that does not parse.
		w.log.WithError(err).Warn("dropping unparseable shopee event")
		return nil
	}

	s, ok := ev.Subject()
	if !ok {
		w.log.WithField("event_code", int(ev.Code)).Info("shopee event without shop or merchant")
		return nil
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := w.entities.RecordEvent(ctx, s, int(ev.Code), at)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		w.log.WithField("subject", s.Key()).WithField("event_code", int(ev.Code)).Info("shopee event for unknown entity")
		return nil
	case err != nil:
		return fmt.Errorf("record event %s for %s: %w", ev.Code, s, err)
	}

	w.log.WithField("subject", s.Key()).WithField("event", ev.Code.String()).Debug("shopee event recorded")
	return nil
}

func main() {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	// This worker reads no secrets, so no SSM client.
	cfg, err := config.Load(ctx, nil)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.EntitiesTable == "" {
		log.Fatalf("%v", &config.ConfigurationError{Missing: []string{"ENTITIES_TABLE"}})
	}

	w := &worker{
		entities: entities.NewDynamoStore(db.NewDynamoClient(awsCfg), cfg.EntitiesTable),
		log:      logging.New(cfg.LogLevel),
	}
	lambda.Start(w.handle)
}
