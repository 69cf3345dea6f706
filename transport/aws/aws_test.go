package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.Durable)
	assert.False(t, caps.SupportsNativeDLQ)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "aws", TransportName)
}

func validCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
	})
}

func stubFactories(t *testing.T) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1", Credentials: validCredentials()}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &transporttest.Subscriber{}, nil
	}
}

func TestOpen(t *testing.T) {
	ambient := transport.Credentials{Strategy: transport.StrategyAmbientIdentity}

	t.Run("creates connection with mocked factories", func(t *testing.T) {
		stubFactories(t)

		var queueName string
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			name, err := cfg.GenerateSqsQueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:ide-messages")
			require.NoError(t, err)
			queueName = name
			return &transporttest.Subscriber{}, nil
		}

		cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}
		conn, err := Open(context.Background(), cfg, ambient, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _ = conn.Receive(ctx, "ide-messages", "ide", 1)
		assert.Equal(t, "ide-messages-ide", queueName)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Open(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, ambient, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config error")
	})

	t.Run("ambient identity without credentials is unauthorized", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{
				Region: "us-east-1",
				Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
					return aws.Credentials{}, errors.New("no EC2 IMDS role found")
				}),
			}, nil
		}

		_, err := Open(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, ambient, watermill.NopLogger{})
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
	})

	t.Run("connection string supplies static credentials", func(t *testing.T) {
		stubFactories(t)
		var optCount int
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			optCount = len(opts)
			var lo awsconfig.LoadOptions
			for _, o := range opts {
				require.NoError(t, o(&lo))
			}
			require.NotNil(t, lo.Credentials)
			creds, err := lo.Credentials.Retrieve(ctx)
			require.NoError(t, err)
			assert.Equal(t, "AKID", creds.AccessKeyID)
			assert.Equal(t, "tok", creds.SessionToken)
			assert.Equal(t, "eu-west-1", lo.Region)
			return aws.Config{Region: lo.Region, Credentials: lo.Credentials}, nil
		}

		creds := transport.Credentials{
			Strategy: transport.StrategyConnectionString,
			Secret:   "AccessKeyId=AKID;SecretAccessKey=s3cret;SessionToken=tok;Region=eu-west-1",
		}
		conn, err := Open(context.Background(), &transporttest.Config{AWSAccountID: "123456789012"}, creds, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, 2, optCount)
	})

	t.Run("connection string without secret key", func(t *testing.T) {
		stubFactories(t)
		creds := transport.Credentials{Strategy: transport.StrategyConnectionString, Secret: "AccessKeyId=AKID"}
		_, err := Open(context.Background(), &transporttest.Config{}, creds, watermill.NopLogger{})
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}
		_, err := Open(context.Background(), cfg, ambient, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("uses fallback region when config region empty", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012"}
		_, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("uses localstack default when endpoint set and account empty", func(t *testing.T) {
		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("returns empty values for nil config", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(nil, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "", accountID)
		assert.Equal(t, "us-east-1", region)
	})
}

func TestAwsEndpointURL(t *testing.T) {
	url, err := awsEndpointURL(nil)
	assert.NoError(t, err)
	assert.Nil(t, url)

	url, err = awsEndpointURL(&transporttest.Config{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", url.Host)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		transient    bool
		unauthorized bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, true, false},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, false, true},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, true, false},
		{"client fault", &smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient}, false, false},
		{"network", errors.New("connection reset by peer"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.transient, transport.IsTransient(err))
			assert.Equal(t, tt.unauthorized, errors.Is(err, transport.ErrUnauthorized))
		})
	}
}
