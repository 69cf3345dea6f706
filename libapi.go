package buslink

import (
	runtimepkg "github.com/drblury/buslink/internal/runtime"
	configpkg "github.com/drblury/buslink/internal/runtime/config"
	credentialspkg "github.com/drblury/buslink/internal/runtime/credentials"
	deliverypkg "github.com/drblury/buslink/internal/runtime/delivery"
	envelopepkg "github.com/drblury/buslink/internal/runtime/envelope"
	errspkg "github.com/drblury/buslink/internal/runtime/errors"
	idspkg "github.com/drblury/buslink/internal/runtime/ids"
	jsoncodec "github.com/drblury/buslink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/buslink/internal/runtime/logging"
	metadatapkg "github.com/drblury/buslink/internal/runtime/metadata"
	receivepkg "github.com/drblury/buslink/internal/runtime/receive"
	transportpkg "github.com/drblury/buslink/transport"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	Status             = runtimepkg.Status
	SubscriptionStats  = runtimepkg.SubscriptionStats

	Envelope    = envelopepkg.Envelope
	MessageType = envelopepkg.MessageType
	Codec       = envelopepkg.Codec

	Metadata      = metadatapkg.Metadata
	MetadataValue = metadatapkg.Value

	Resolution = credentialspkg.Resolution

	Policy         = deliverypkg.Policy
	DeliveryResult = deliverypkg.Result
	DeliveryState  = deliverypkg.State

	Receiver        = receivepkg.Receiver
	Handler         = receivepkg.Handler
	ReceiveOptions  = receivepkg.Options
	Report          = receivepkg.Report
	Action          = receivepkg.Action
	Job             = receivepkg.Job
	Hooks           = receivepkg.Hooks
	DeadLetterError = receivepkg.DeadLetterError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	AuthError             = errspkg.AuthError
	ValidationError       = errspkg.ValidationError
	DeliveryError         = errspkg.DeliveryError
	DecodeError           = errspkg.DecodeError
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport boundary
	Message      = transportpkg.Message
	Delivery     = transportpkg.Delivery
	DeadLetter   = transportpkg.DeadLetter
	Capabilities = transportpkg.Capabilities
	Credentials  = transportpkg.Credentials
	Strategy     = transportpkg.Strategy
	Opener       = transportpkg.Opener
	Registry     = transportpkg.Registry
)

// Message types.
const (
	Event    = envelopepkg.Event
	Analysis = envelopepkg.Analysis
	Metric   = envelopepkg.Metric
	Unknown  = envelopepkg.Unknown
)

// Settlement actions.
const (
	ActionComplete   = receivepkg.ActionComplete
	ActionAbandon    = receivepkg.ActionAbandon
	ActionDeadLetter = receivepkg.ActionDeadLetter
)

// Credential strategies.
const (
	StrategyConnectionString = transportpkg.StrategyConnectionString
	StrategyAmbientIdentity  = transportpkg.StrategyAmbientIdentity
)

// AgentKey is the metadata entry Client.Encode defaults to the sender.
const AgentKey = runtimepkg.AgentKey

var (
	NewClient      = runtimepkg.NewClient
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewCodec         = envelopepkg.NewCodec
	ParseMessageType = envelopepkg.ParseMessageType
	DefaultPolicy    = deliverypkg.DefaultPolicy

	NewMetadata   = metadatapkg.New
	ParseMetadata = metadatapkg.Parse

	// Handler outcomes
	NewDeadLetter    = receivepkg.DeadLetter
	ErrSkip          = receivepkg.ErrSkip
	ErrDeadLetter    = receivepkg.ErrDeadLetter
	ErrUnprocessable = receivepkg.ErrUnprocessable

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger = loggingpkg.NewTextServiceLogger
	NopLogger            = loggingpkg.Nop

	// Transport registry
	// Import individual transports via: _ "github.com/drblury/buslink/transport/servicebus"
	// or all of them via: _ "github.com/drblury/buslink/transport/transports"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrSubscriptionRequired = errspkg.ErrSubscriptionRequired
	ErrNoCredentials        = errspkg.ErrNoCredentials
	ErrInvalidMessageType   = errspkg.ErrInvalidMessageType
	ErrSessionBusy          = errspkg.ErrSessionBusy
	ErrCircuitOpen          = errspkg.ErrCircuitOpen
	ErrClientClosed         = errspkg.ErrClientClosed
	ErrNotSupported         = errspkg.ErrNotSupported

	ErrUnauthorized = transportpkg.ErrUnauthorized
	ErrLockLost     = transportpkg.ErrLockLost

	CreateULID = idspkg.CreateULID
)
