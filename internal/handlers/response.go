package handlers

import (
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
)

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
		Body: string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

func textResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type": "text/plain; charset=utf-8",
		},
		Body: msg,
	}, nil
}

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
}

// Health answers the liveness probe route.
func Health(service string) func() (events.APIGatewayV2HTTPResponse, error) {
	return func() (events.APIGatewayV2HTTPResponse, error) {
		return jsonResp(200, HealthResponse{OK: true, Service: service})
	}
}
