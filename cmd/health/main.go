package main

import (
	"github.com/idako2023/frappe-shopee/internal/handlers"

	"github.com/aws/aws-lambda-go/lambda"
)

func main() {
	lambda.Start(handlers.Health("frappe-shopee"))
}
