// Package aws provides an AWS SNS/SQS transport for buslink. Topics are SNS
// topics; each subscription is an SQS queue named "<topic>-<subscription>"
// subscribed to the topic.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.AWSCapabilities)
}

// Open creates a new AWS SNS/SQS connection.
//
// A connection string reads "AccessKeyId=...;SecretAccessKey=...[;SessionToken=...][;Region=...]".
// Ambient identity uses the default credential chain and checks it can
// produce credentials before returning.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
		"strategy":        string(creds.Strategy),
	})

	accountID, region := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := createPublisher(cfg, logger, awsCfg, topicResolver)
	if err != nil {
		return nil, Classify(err)
	}

	snsOpts, sqsOpts, err := endpointOptions(awsCfg)
	if err != nil {
		return nil, err
	}

	newSubscriber := func(subscription string) (message.Subscriber, error) {
		return SubscriberFactory(
			sns.SubscriberConfig{
				AWSConfig:            *awsCfg,
				OptFns:               snsOpts,
				TopicResolver:        topicResolver,
				GenerateSqsQueueName: makeSqsQueueNameGenerator(subscription),
			},
			sqs.SubscriberConfig{
				AWSConfig: *awsCfg,
				OptFns:    sqsOpts,
			},
			logger,
		)
	}

	return bridge.New(publisher, newSubscriber, logger, bridge.Options{
		Name:     TransportName,
		Classify: Classify,
	}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func createAWSConfig(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := ""
	if cfg != nil {
		region = cfg.GetAWSRegion()
	}

	if creds.Strategy == transport.StrategyConnectionString {
		parts, err := transport.ParseConnectionString(creds.Secret)
		if err != nil {
			return nil, transport.Unauthorized(err)
		}
		accessKey, secretKey := parts["accesskeyid"], parts["secretaccesskey"]
		if accessKey == "" || secretKey == "" {
			return nil, transport.Unauthorized(fmt.Errorf("aws connection string needs AccessKeyId and SecretAccessKey"))
		}
		if r := parts["region"]; r != "" {
			region = r
		}
		logger.Info("Using static AWS credentials from connection string", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey, parts["sessiontoken"])))
	}
	if region != "" {
		logger.Info("Setting AWS region", watermill.LogFields{"region": region})
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if endpoint, err := awsEndpointURL(cfg); err != nil {
		return nil, err
	} else if endpoint != nil {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint.String()))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if region != "" {
			fields["requested_region"] = region
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return nil, err
	}

	// Ensure region is set even if the loader ignores options
	if region != "" {
		awsCfg.Region = region
	}

	if creds.Strategy == transport.StrategyAmbientIdentity {
		if awsCfg.Credentials == nil {
			return nil, transport.Unauthorized(errors.New("aws: no credentials found in the default chain"))
		}
		if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			return nil, transport.Unauthorized(fmt.Errorf("aws: retrieve ambient credentials: %w", err))
		}
	}

	return &awsCfg, nil
}

func createPublisher(cfg transport.Config, logger watermill.LoggerAdapter, awsCfg *aws.Config, topicResolver sns.TopicResolver) (message.Publisher, error) {
	publisherConfig, err := buildPublisherConfig(cfg, awsCfg, topicResolver, logger)
	if err != nil {
		return nil, err
	}
	return PublisherFactory(publisherConfig, logger)
}

func makeSqsQueueNameGenerator(subscription string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return string(topic) + "-" + subscription, nil
	}
}

func endpointOptions(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if accountID == "" && useLocalstackEndpoint(cfg) {
		accountID = localstackAccountID
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": accountID})
		return accountID, region
	}

	if accountID != "" && len(accountID) != awsAccountIDLength && useLocalstackEndpoint(cfg) {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}

	return accountID, region
}

func useLocalstackEndpoint(cfg transport.Config) bool {
	return cfg != nil && cfg.GetAWSEndpoint() != ""
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver, nil
}

func buildPublisherConfig(cfg transport.Config, awsCfg *aws.Config, topicResolver sns.TopicResolver, logger watermill.LoggerAdapter) (sns.PublisherConfig, error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return sns.PublisherConfig{}, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}

	if endpoint != nil {
		endpointStr := endpoint.String()
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(endpointStr)
			},
		}
	}

	return publisherConfig, nil
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsedURL, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			SessionToken:    sessionToken,
			Source:          "buslink-connection-string",
		}, nil
	})
}

var (
	unauthorizedCodes = map[string]struct{}{
		"AccessDenied":                {},
		"AccessDeniedException":       {},
		"AuthorizationError":          {},
		"ExpiredToken":                {},
		"ExpiredTokenException":       {},
		"InvalidClientTokenId":        {},
		"SignatureDoesNotMatch":       {},
		"UnrecognizedClientException": {},
	}
	transientCodes = map[string]struct{}{
		"InternalError":          {},
		"InternalFailure":        {},
		"RequestThrottled":       {},
		"ServiceUnavailable":     {},
		"Throttling":             {},
		"ThrottlingException":    {},
		"ThrottledException":     {},
		"RequestTimeout":         {},
		"KMSThrottlingException": {},
	}
)

// Classify maps AWS API errors onto transport error kinds. Errors without an
// API error code (network failures) are treated as transient.
func Classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := unauthorizedCodes[code]; ok {
			return transport.Unauthorized(err)
		}
		if _, ok := transientCodes[code]; ok {
			return transport.Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return transport.Transient(err)
		}
		return err
	}
	return transport.Transient(err)
}
