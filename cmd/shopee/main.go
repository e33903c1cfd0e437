package main

import (
	"context"
	"log"

	"github.com/idako2023/frappe-shopee/internal/config"
	"github.com/idako2023/frappe-shopee/internal/db"
	"github.com/idako2023/frappe-shopee/internal/entities"
	"github.com/idako2023/frappe-shopee/internal/handlers"
	"github.com/idako2023/frappe-shopee/internal/lifecycle"
	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/security"
	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/tokens"
	"github.com/idako2023/frappe-shopee/internal/webhook"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

func main() {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	cfg, err := config.Load(ctx, ssm.NewFromConfig(awsCfg))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	for _, check := range []func() error{cfg.RequirePartner, cfg.RequireTokenStorage, cfg.RequireRedirect} {
		if err := check(); err != nil {
			log.Fatalf("%v", err)
		}
	}

	logger := logging.New(cfg.LogLevel)
	sealer, err := security.NewSealer(cfg.TokenEncKey)
	if err != nil {
		log.Fatalf("token sealer: %v", err)
	}

	client := shopee.NewClient(cfg.Host, shopee.Credentials{PartnerID: cfg.PartnerID, PartnerKey: cfg.PartnerKey}, cfg.HTTPTimeout)
	ddb := db.NewDynamoClient(awsCfg)
	tokenStore := tokens.NewDynamoStore(ddb, cfg.TokensTable, sealer)
	entityStore := entities.NewDynamoStore(ddb, cfg.EntitiesTable)
	manager := lifecycle.New(client, tokenStore, entityStore, entities.NewSyncer(client, entityStore, logger), logger)

	dispatcher := webhook.NewDispatcher(cfg.PartnerKey, manager, logger)
	if cfg.DedupeTable != "" {
		dispatcher.Dedupe = webhook.NewDedupeStore(ddb, cfg.DedupeTable)
	}
	if cfg.EventsTopicARN != "" {
		dispatcher.Forward = webhook.NewPublisher(sns.NewFromConfig(awsCfg), cfg.EventsTopicARN)
	}

	h := &handlers.ShopeeHandler{
		Links:        client,
		RedirectBase: cfg.RedirectBase,
		Exchange:     manager,
		Webhooks:     dispatcher,
		WebhookURL:   cfg.WebhookURL,
		Log:          logger,
	}
	lambda.Start(h.Handle)
}
