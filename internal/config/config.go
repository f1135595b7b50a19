// Package config provides configuration types and loading for parley.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths       PathsConfig       `json:"paths"`
	Store       StoreConfig       `json:"store"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Agents      AgentsConfig      `json:"agents"`
	Events      EventsConfig      `json:"events"`
	Gateway     GatewayConfig     `json:"gateway"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// StoreConfig configures the checkpoint and write-record store.
type StoreConfig struct {
	// Path to the sqlite database file. Defaults to <dataDir>/parley.db.
	Path string `json:"path" envconfig:"STORE_PATH"`
	// WriteRetries bounds retries of a failed append before the session
	// halts in ERROR.
	WriteRetries int           `json:"writeRetries" envconfig:"STORE_WRITE_RETRIES"`
	RetryBackoff time.Duration `json:"retryBackoff" envconfig:"STORE_RETRY_BACKOFF"`
}

// NegotiationConfig groups turn-loop limits and cadence.
type NegotiationConfig struct {
	MaxTurns               int           `json:"maxTurns" envconfig:"MAX_TURNS"`
	MaxClarificationRounds int           `json:"maxClarificationRounds" envconfig:"MAX_CLARIFICATION_ROUNDS"`
	CheckpointEveryTurns   int           `json:"checkpointEveryTurns" envconfig:"CHECKPOINT_EVERY_TURNS"`
	TurnTimeout            time.Duration `json:"turnTimeout" envconfig:"TURN_TIMEOUT"`
	TurnRetries            int           `json:"turnRetries" envconfig:"TURN_RETRIES"`
	RetryBackoff           time.Duration `json:"retryBackoff" envconfig:"TURN_RETRY_BACKOFF"`
	SessionMaxAge          time.Duration `json:"sessionMaxAge" envconfig:"SESSION_MAX_AGE"`
}

// AgentsConfig configures the external reasoning capability.
type AgentsConfig struct {
	// Provider selects the agent backend: "openai" or "scripted".
	Provider    string  `json:"provider" envconfig:"AGENT_PROVIDER"`
	BaseURL     string  `json:"baseUrl" envconfig:"AGENT_BASE_URL"`
	APIKey      string  `json:"apiKey" envconfig:"AGENT_API_KEY"`
	Model       string  `json:"model" envconfig:"AGENT_MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"AGENT_MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"AGENT_TEMPERATURE"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind starts losing live events (logged, never
	// blocking the turn loop).
	SubscriberBuffer int         `json:"subscriberBuffer" envconfig:"EVENTS_SUBSCRIBER_BUFFER"`
	Kafka            KafkaConfig `json:"kafka"`
}

// KafkaConfig configures the optional Kafka mirror of published events.
// Mirroring is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `json:"topic" envconfig:"KAFKA_TOPIC"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host string `json:"host" envconfig:"GATEWAY_HOST"`
	Port int    `json:"port" envconfig:"GATEWAY_PORT"`
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Negotiation.MaxTurns == 0 {
		c.Negotiation.MaxTurns = 20
	}
	if c.Negotiation.MaxClarificationRounds == 0 {
		c.Negotiation.MaxClarificationRounds = 2
	}
	if c.Negotiation.CheckpointEveryTurns == 0 {
		c.Negotiation.CheckpointEveryTurns = 2
	}
	if c.Negotiation.TurnTimeout == 0 {
		c.Negotiation.TurnTimeout = 60 * time.Second
	}
	if c.Negotiation.TurnRetries == 0 {
		c.Negotiation.TurnRetries = 2
	}
	if c.Negotiation.RetryBackoff == 0 {
		c.Negotiation.RetryBackoff = 2 * time.Second
	}
	if c.Negotiation.SessionMaxAge == 0 {
		c.Negotiation.SessionMaxAge = 30 * time.Minute
	}
	if c.Store.WriteRetries == 0 {
		c.Store.WriteRetries = 3
	}
	if c.Store.RetryBackoff == 0 {
		c.Store.RetryBackoff = 500 * time.Millisecond
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = 256
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "parley.negotiation.events"
	}
	if c.Agents.Provider == "" {
		c.Agents.Provider = "scripted"
	}
	if c.Agents.Model == "" {
		c.Agents.Model = "gpt-4o-mini"
	}
	if c.Agents.MaxTokens == 0 {
		c.Agents.MaxTokens = 1024
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8470
	}
}
