package authkit

import "time"

// Environment names recognised by the service.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// ServerConfig configures token issuance, rotation, and store housekeeping.
type ServerConfig struct {
	Environment        string
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	TokenIssuer        string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	ReaperInterval     time.Duration
	ReaperGrace        time.Duration
	ReaperMaxRecords   int
}

// IsDevelopment reports whether internal error details may be exposed to clients.
func (configuration ServerConfig) IsDevelopment() bool {
	return configuration.Environment == EnvironmentDevelopment
}
