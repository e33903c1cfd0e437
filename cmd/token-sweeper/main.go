package main

import (
	"context"
	"log"

	"github.com/idako2023/frappe-shopee/internal/config"
	"github.com/idako2023/frappe-shopee/internal/db"
	"github.com/idako2023/frappe-shopee/internal/entities"
	"github.com/idako2023/frappe-shopee/internal/lifecycle"
	"github.com/idako2023/frappe-shopee/internal/logging"
	"github.com/idako2023/frappe-shopee/internal/security"
	"github.com/idako2023/frappe-shopee/internal/shopee"
	"github.com/idako2023/frappe-shopee/internal/sweeper"
	"github.com/idako2023/frappe-shopee/internal/tokens"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/s3"
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
	if err := cfg.RequirePartner(); err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.RequireTokenStorage(); err != nil {
		log.Fatalf("%v", err)
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

	s := sweeper.New(tokenStore, manager, logger)
	if cfg.ReportBucket != "" {
		s.Reports = sweeper.NewS3Report(s3.NewFromConfig(awsCfg), cfg.ReportBucket, cfg.ReportPrefix)
	}
	if cfg.AthenaEnabled() {
		parts := sweeper.NewAthenaPartitions(athena.NewFromConfig(awsCfg), cfg.AthenaDatabase, cfg.AthenaTable,
			cfg.AthenaOutput, "s3://"+cfg.ReportBucket+"/"+cfg.ReportPrefix)
		if cfg.AthenaWorkgroup != "" {
			parts.Workgroup = cfg.AthenaWorkgroup
		}
		s.Partitions = parts
	}
	lambda.Start(s.Handle)
}
