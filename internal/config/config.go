// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Gateway modes.
const (
	ModeLive = "live"
	ModeMock = "mock"
)

// Bus drivers.
const (
	DriverNATS  = "nats"
	DriverRedis = "redis"
	DriverAMQP  = "amqp"
	DriverMQTT  = "mqtt"
)

type Config struct {
	AppEnv   string `env:"APP_ENV,default=development"`
	AppName  string `env:"APP_NAME,default=htpi-gateway"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	HTTPPort    string `env:"HTTP_PORT,default=8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT"`

	Mode              string        `env:"GATEWAY_MODE,default=live" validate:"oneof=live mock"`
	InstanceID        string        `env:"GATEWAY_INSTANCE_ID" validate:"required,excludesall=.*> "`
	BusDriver         string        `env:"BUS_DRIVER,default=nats" validate:"oneof=nats redis amqp mqtt"`
	BusURL            string        `env:"BUS_URL,default=nats://localhost:4222"`
	BusNamespace      string        `env:"BUS_NAMESPACE,default=htpi" validate:"required,excludesall=.*>"`
	BusCallTimeout    time.Duration `env:"BUS_CALL_TIMEOUT,default=10s" validate:"gt=0"`
	BusConnectTimeout time.Duration `env:"BUS_CONNECT_TIMEOUT,default=30s" validate:"gt=0"`
	BusFallbackToMock bool          `env:"BUS_FALLBACK_TO_MOCK,default=true"`
	BusPublishers     int           `env:"BUS_PUBLISHERS,default=4" validate:"gt=0"`
	BusPublishQueue   int           `env:"BUS_PUBLISH_QUEUE,default=1024" validate:"gt=0"`

	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE,default=10" validate:"gte=0"`
	AMQPExchange  string `env:"AMQP_EXCHANGE,default=htpi.bus"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID"`
	MQTTQoS       int    `env:"MQTT_QOS,default=1" validate:"gte=0,lte=2"`

	JWTSecret string        `env:"JWT_SECRET,default=htpi-dev-secret" validate:"required"`
	JWTTTL    time.Duration `env:"JWT_TTL,default=24h" validate:"gt=0"`

	WSAllowedOrigins string `env:"WS_ALLOWED_ORIGINS"`
	WSSendBuffer     int    `env:"WS_SEND_BUFFER,default=256" validate:"gt=0"`
	WSReadLimit      int64  `env:"WS_READ_LIMIT,default=65536" validate:"gt=0"`
	WSMaxQueued      int    `env:"WS_MAX_QUEUED_FRAMES,default=64" validate:"gt=0"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELDisabled bool   `env:"OTEL_SDK_DISABLED,default=false"`

	// Per-capability subject overrides; empty means {namespace}.{default}.
	SubjectAuthLogin         string `env:"SUBJECT_AUTH_LOGIN"`
	SubjectTenantList        string `env:"SUBJECT_TENANT_LIST"`
	SubjectTenantVerify      string `env:"SUBJECT_TENANT_VERIFY"`
	SubjectPatientList       string `env:"SUBJECT_PATIENT_LIST"`
	SubjectPatientCreate     string `env:"SUBJECT_PATIENT_CREATE"`
	SubjectDashboardStats    string `env:"SUBJECT_DASHBOARD_STATS"`
	SubjectDashboardActivity string `env:"SUBJECT_DASHBOARD_ACTIVITY"`
}

var validate = validator.New()

// Load reads an optional .env file and decodes the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnvSet(env.EnvironToEnvSet(os.Environ()))
}

// FromEnvSet decodes and validates cfg from an explicit set of variables.
func FromEnvSet(es env.EnvSet) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.BusDriver = strings.ToLower(strings.TrimSpace(cfg.BusDriver))
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const devJWTSecret = "htpi-dev-secret"

// Validate reports the first invalid setting by its environment key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.IsProduction() && c.JWTSecret == devJWTSecret {
			return fmt.Errorf("invalid config: JWT_SECRET must be set in production")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if ok := asValidationErrors(err, &verrs); !ok || len(verrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := verrs[0]
	return fmt.Errorf("invalid config: %s fails %q (got %v)", envKey(fe.StructField()), describe(fe), fe.Value())
}

// AllowedOrigins splits WS_ALLOWED_ORIGINS. An empty list allows every origin.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.WSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

func describe(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

var envKeys = map[string]string{
	"HTTPPort":          "HTTP_PORT",
	"Mode":              "GATEWAY_MODE",
	"BusDriver":         "BUS_DRIVER",
	"BusNamespace":      "BUS_NAMESPACE",
	"BusCallTimeout":    "BUS_CALL_TIMEOUT",
	"BusConnectTimeout": "BUS_CONNECT_TIMEOUT",
	"BusPublishers":     "BUS_PUBLISHERS",
	"BusPublishQueue":   "BUS_PUBLISH_QUEUE",
	"RedisPoolSize":     "REDIS_POOL_SIZE",
	"MQTTQoS":           "MQTT_QOS",
	"JWTTTL":            "JWT_TTL",
	"JWTSecret":         "JWT_SECRET",
	"WSSendBuffer":      "WS_SEND_BUFFER",
	"WSReadLimit":       "WS_READ_LIMIT",
	"WSMaxQueued":       "WS_MAX_QUEUED_FRAMES",
	"InstanceID":        "GATEWAY_INSTANCE_ID",
}

func envKey(field string) string {
	if k, ok := envKeys[field]; ok {
		return k
	}
	return field
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	host = strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(host)
	return host + "-" + uuid.NewString()[:8]
}
