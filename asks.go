package asks

import (
	"net/http"

	"github.com/frankli0324/asks/internal"
	"github.com/frankli0324/asks/internal/config"
	"github.com/frankli0324/asks/internal/metrics"
	"github.com/frankli0324/asks/internal/model"
	"github.com/frankli0324/asks/internal/netpool"
)

type Session = internal.Session
type Config = config.Config
type Header = http.Header
type Cookie = http.Cookie

type Request = model.Request
type PreparedRequest = model.PreparedRequest
type Response = model.Response
type Body = model.Body
type Result = internal.Result

type Option = model.Option
type Producer = model.Producer
type RedirectPolicy = model.RedirectPolicy
type RetryPolicy = model.RetryPolicy

type Handler = internal.Handler
type Middleware = internal.Middleware

// Metrics are the Prometheus collectors a session reports to, see
// Session.UseMetrics.
type Metrics = metrics.Metrics

var NewMetrics = metrics.New

type PoolKey = netpool.Key
type PoolStats = netpool.Stats

type ConnectionError = model.ConnectionError
type ProtocolError = model.ProtocolError
type RedirectLoopError = model.RedirectLoopError
type RequestTimeoutError = model.RequestTimeoutError
type BadStatusError = model.BadStatusError

var (
	ErrStreamConsumed   = model.ErrStreamConsumed
	ErrPoolTimeout      = model.ErrPoolTimeout
	ErrInvalidPoolSize  = model.ErrInvalidPoolSize
	ErrPoolClosed       = model.ErrPoolClosed
	ErrTooManyRedirects = model.ErrTooManyRedirects
	ErrRequestTimeout   = model.ErrRequestTimeout
)

var (
	NewRequest    = model.NewRequest
	WithHeader    = model.WithHeader
	WithHeaders   = model.WithHeaders
	WithParams    = model.WithParams
	WithBody      = model.WithBody
	WithJSON      = model.WithJSON
	WithForm      = model.WithForm
	WithCookies   = model.WithCookies
	WithHost      = model.WithHost
	WithTimeout   = model.WithTimeout
	WithStream    = model.WithStream
	WithCallback  = model.WithCallback
	WithRedirects = model.WithRedirects
	WithRetry     = model.WithRetry
)

// Built-in middlewares.
var (
	RateLimit = internal.RateLimit
	RequestID = internal.RequestID
)

// DefaultConfig returns the settings NewSession(nil) uses.
func DefaultConfig() *Config { return config.Default() }

// ConfigFromEnv reads ASKS_* environment variables on top of the defaults.
func ConfigFromEnv() (*Config, error) { return config.Load() }

// ConfigFromFile reads a YAML file on top of the defaults.
func ConfigFromFile(path string) (*Config, error) { return config.LoadFile(path) }

// NewSession builds a session from cfg, nil means DefaultConfig.
func NewSession(cfg *Config) (*Session, error) { return internal.NewSession(cfg) }
