package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParamFetcher is the subset of *ssm.Client used to resolve secrets.
type ParamFetcher interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func resolveParam(ctx context.Context, params ParamFetcher, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	if params == nil {
		return "", errors.New("ssm client not available for " + name)
	}

	out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %s: %w", name, err)
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", name)
	}
	return strings.TrimSpace(aws.ToString(out.Parameter.Value)), nil
}
