// Package platform holds the narrow capability clients the orchestrator uses
// to reach the remote platform directly, bypassing the declarative engine.
// Every exposed operation is idempotent: ensure-style calls have the same
// effect invoked once or twice, because phase retries and resume both
// re-invoke at-least-once.
package platform

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Clients bundles the per-service capability clients for one region.
type Clients struct {
	region string

	ec2Client            *ec2.Client
	rdsClient            *rds.Client
	ecsClient            *ecs.Client
	ecrClient            *ecr.Client
	elbv2Client          *elasticloadbalancingv2.Client
	acmClient            *acm.Client
	route53Client        *route53.Client
	secretsmanagerClient *secretsmanager.Client
	codebuildClient      *codebuild.Client
	dynamodbClient       *dynamodb.Client
}

// New loads the default AWS config for region and builds all clients.
func New(ctx context.Context, region string) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &Clients{
		region:               region,
		ec2Client:            ec2.NewFromConfig(cfg),
		rdsClient:            rds.NewFromConfig(cfg),
		ecsClient:            ecs.NewFromConfig(cfg),
		ecrClient:            ecr.NewFromConfig(cfg),
		elbv2Client:          elasticloadbalancingv2.NewFromConfig(cfg),
		acmClient:            acm.NewFromConfig(cfg),
		route53Client:        route53.NewFromConfig(cfg),
		secretsmanagerClient: secretsmanager.NewFromConfig(cfg),
		codebuildClient:      codebuild.NewFromConfig(cfg),
		dynamodbClient:       dynamodb.NewFromConfig(cfg),
	}, nil
}

// Region returns the region the clients are bound to.
func (c *Clients) Region() string { return c.region }
