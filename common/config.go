// Copyright 2021-2022 The ranger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Event Bus Related Config

// BusConfig defines which event exchange the gateway is bound to
type BusConfig struct {
	// Exchange is the name of the event exchange. Events are carried on NATS subjects
	// "<exchange>.<type>.<id>.<event>".
	Exchange string `mapstructure:"exchange" json:"exchange" validate:"required,excludesall= *>"`
	// PublishTimeout is the max duration for publishing an event in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// WebSocket Gateway Related Config

// WebSocketConfig defines the per connection websocket parameters
type WebSocketConfig struct {
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=0"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=0"`
	// SendQueueSize is the number of outbound frames buffered per connection. A client
	// whose queue is full is disconnected.
	SendQueueSize int `mapstructure:"send_queue_size" json:"send_queue_size" validate:"gte=1"`
	// MaxMessageSize is the max size of a client frame in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1"`
	// PingInterval is the interval between server pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongWait is the max duration to wait for a client pong in seconds
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gtfield=PingInterval"`
	// WriteWait is the max duration for writing one frame in seconds
	WriteWait int `mapstructure:"write_wait_sec" json:"write_wait_sec" validate:"gte=1"`
	// AllowedOrigins is the list of accepted Origin headers. Empty accepts all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// GatewayConfig defines configuration for the websocket gateway
type GatewayConfig struct {
	// Server is the HTTP server parameters of the websocket listener
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// EndpointPath is the path websocket clients connect to
	EndpointPath string `mapstructure:"endpoint_path" json:"endpoint_path" validate:"required,startswith=/"`
	// WebSocket is the per connection parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// EventLoopBuffer is the number of pending events the router event loop accepts
	EventLoopBuffer int `mapstructure:"event_loop_buffer" json:"event_loop_buffer" validate:"gte=1"`
	// StatsLogInterval is the interval between router stats log lines in seconds
	StatsLogInterval int `mapstructure:"stats_log_interval_sec" json:"stats_log_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Admin Server Related Config

// AdminEndpointConfig defines admin API endpoint config
type AdminEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the admin APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// AdminServerConfig defines configuration for the admin API server
type AdminServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the admin API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the admin API server
	Endpoints AdminEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Authentication Related Config

// JWTConfig defines how bearer tokens are verified
type JWTConfig struct {
	// PublicKey is the base64 encoded PEM public key used to verify token signatures.
	// The gateway refuses to start without it.
	PublicKey string `mapstructure:"public_key" json:"-"`
	// Algorithm is the accepted signing algorithm
	Algorithm string `mapstructure:"algorithm" json:"algorithm" validate:"required,oneof=RS256 RS384 RS512 ES256 ES384 ES512"`
	// Issuer if set, the required "iss" claim
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// Audience if set, at least one must appear in the "aud" claim
	Audience []string `mapstructure:"audience" json:"audience"`
	// Subject is the required "sub" claim
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// Leeway is the clock skew tolerance in seconds
	Leeway int `mapstructure:"leeway_sec" json:"leeway_sec" validate:"gte=0"`
}

// AuthConfig defines authentication parameters
type AuthConfig struct {
	// JWT is the bearer token parameters
	JWT JWTConfig `mapstructure:"jwt" json:"jwt" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Bus are the event exchange config parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required,dive"`
	// Gateway are the websocket gateway configs
	Gateway *GatewayConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// Admin are the admin API server configs
	Admin *AdminServerConfig `mapstructure:"admin,omitempty" json:"admin,omitempty" validate:"omitempty,dive"`
	// Auth are the authentication configs
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default event bus settings
	viper.SetDefault("bus.exchange", "peatio.events.ranger")
	viper.SetDefault("bus.publish_timeout_sec", 5)

	// Default gateway settings
	viper.SetDefault("gateway.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.server_config.listen_port", 8081)
	viper.SetDefault("gateway.server_config.read_timeout_sec", 0)
	viper.SetDefault("gateway.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.server_config.idle_timeout_sec", 600)
	viper.SetDefault("gateway.endpoint_path", "/")
	viper.SetDefault("gateway.websocket.read_buffer_size", 1024)
	viper.SetDefault("gateway.websocket.write_buffer_size", 1024)
	viper.SetDefault("gateway.websocket.send_queue_size", 256)
	viper.SetDefault("gateway.websocket.max_message_size", 4096)
	viper.SetDefault("gateway.websocket.ping_interval_sec", 30)
	viper.SetDefault("gateway.websocket.pong_wait_sec", 60)
	viper.SetDefault("gateway.websocket.write_wait_sec", 10)
	viper.SetDefault("gateway.websocket.allowed_origins", []string{})
	viper.SetDefault("gateway.event_loop_buffer", 1024)
	viper.SetDefault("gateway.stats_log_interval_sec", 60)

	// Default admin server settings
	viper.SetDefault("admin.endpoint_config.path_prefix", "/")
	viper.SetDefault("admin.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("admin.api_server.server_config.listen_port", 8082)
	viper.SetDefault("admin.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"admin.api_server.logging_config.request_id_header", "Ranger-Request-ID",
	)
	viper.SetDefault(
		"admin.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default authentication settings
	viper.SetDefault("auth.jwt.public_key", "")
	viper.SetDefault("auth.jwt.algorithm", "RS256")
	viper.SetDefault("auth.jwt.issuer", "")
	viper.SetDefault("auth.jwt.audience", []string{})
	viper.SetDefault("auth.jwt.subject", "session")
	viper.SetDefault("auth.jwt.leeway_sec", 0)
}
