package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventCodeAttribute lets topic subscriptions filter on the event code.
const EventCodeAttribute = "event_code"

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher forwards verified events to an SNS topic.
type Publisher struct {
	sns      SNSClient
	topicARN string
}

func NewPublisher(client SNSClient, topicARN string) *Publisher {
	return &Publisher{sns: client, topicARN: topicARN}
}

func (p *Publisher) Forward(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String("shopee " + ev.Code.String()),
		Message:  aws.String(string(b)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			EventCodeAttribute: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(int(ev.Code))),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Code, err)
	}
	return nil
}
