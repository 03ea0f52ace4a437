package assignflow

import (
	runtimepkg "github.com/drblury/assignflow/internal/runtime"
	"github.com/drblury/assignflow/internal/runtime/assignment"
	configpkg "github.com/drblury/assignflow/internal/runtime/config"
	"github.com/drblury/assignflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/assignflow/internal/runtime/handlers"
	idspkg "github.com/drblury/assignflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/assignflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/scheduler"
	"github.com/drblury/assignflow/internal/runtime/stats"
	"github.com/drblury/assignflow/internal/runtime/tracing"
	transportpkg "github.com/drblury/assignflow/internal/runtime/transport"
	"github.com/drblury/assignflow/internal/runtime/worker"
	newtransport "github.com/drblury/assignflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory

	AssignmentType = assignment.Type
	TypeSet        = assignment.TypeSet
	Payload        = assignment.Payload
	Result         = assignment.Result
	Assignment     = assignment.Assignment

	Turn            = dispatch.Turn
	TurnResult      = dispatch.TurnResult
	LegResult       = dispatch.LegResult
	ConversationRef = dispatch.ConversationRef
	RebuildResult   = dispatch.RebuildResult

	Tier           = scheduler.Tier
	Policy         = scheduler.Policy
	RebuildRequest = scheduler.RebuildRequest

	HandlerFunc             = handlerpkg.Func
	HandlerFactory          = handlerpkg.Factory
	TypedHandlerFunc[T any] = handlerpkg.TypedFunc[T]
	Middleware              = handlerpkg.Middleware
	AssignmentInfo          = handlerpkg.Info
	PanicError              = handlerpkg.PanicError

	// Job lifecycle hooks
	JobContext = handlerpkg.JobContext
	JobHooks   = handlerpkg.JobHooks

	Worker       = worker.Worker
	WorkerConfig = worker.Config
	WorkerStats  = worker.Stats
	WorkerState  = worker.State
	DeadLetter   = worker.DeadLetter

	Snapshot           = stats.Snapshot
	StatsStore         = stats.Store
	DeadLetterMetrics  = stats.DeadLetterMetrics
	DeadLetterSnapshot = stats.DeadLetterSnapshot

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnknownAssignmentTypeError = errspkg.UnknownAssignmentTypeError
	ConfigValidationError      = errspkg.ConfigValidationError

	// Channel store contract
	Store                 = newtransport.Store
	Entry                 = newtransport.Entry
	Claimer               = newtransport.Claimer
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities

	TracingShutdown = tracing.Shutdown
)

// Built-in assignment types.
const (
	Grid      = assignment.Grid
	Embedding = assignment.Embedding
	Vision    = assignment.Vision
	Temporal  = assignment.Temporal
	Entity    = assignment.Entity
	Summary   = assignment.Summary
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	ParseType      = assignment.ParseType
	NewTypeSet     = assignment.NewTypeSet
	DefaultTypeSet = assignment.DefaultTypeSet

	NewPolicy     = scheduler.NewPolicy
	CheckTriggers = scheduler.CheckTriggers
	DefaultTiers  = scheduler.DefaultTiers

	HandlerFromContext = handlerpkg.FromContext
	DecodePayload      = handlerpkg.DecodePayload
	ResultFrom         = handlerpkg.ResultFrom
	Placeholder        = handlerpkg.Placeholder

	RecovererMiddleware = handlerpkg.Recoverer
	TimeoutMiddleware   = handlerpkg.Timeout
	TracerMiddleware    = handlerpkg.Tracer

	// Job lifecycle hooks
	JobHooksMiddleware = handlerpkg.Hooks
	LoggingHooks       = handlerpkg.LoggingHooks
	MetricsHooks       = handlerpkg.MetricsHooks
	AlertingHooks      = handlerpkg.AlertingHooks

	DecodeDeadLetter = worker.DecodeDeadLetter

	GetCapabilities = transportpkg.Capabilities

	// Use RegisterTransport and BuildTransport to plug in custom channel stores.
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	InitTracing = tracing.Init

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrUnknownAssignmentType = errspkg.ErrUnknownAssignmentType
	ErrMalformedEnvelope     = errspkg.ErrMalformedEnvelope
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrHandlerTimeout        = errspkg.ErrHandlerTimeout
	ErrStoreRequired         = errspkg.ErrStoreRequired
	ErrStoreClosed           = errspkg.ErrStoreClosed
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrGroupRequired         = errspkg.ErrGroupRequired
	ErrConsumerRequired      = errspkg.ErrConsumerRequired
	ErrGroupNotFound         = errspkg.ErrGroupNotFound
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogger            = loggingpkg.NewLogger

	CreateULID = idspkg.CreateULID
)

// JSONHandler adapts a handler taking a typed payload.
func JSONHandler[T any](fn TypedHandlerFunc[T]) (HandlerFunc, error) {
	return handlerpkg.JSON(fn)
}
