package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Production encoding when env is
// "prod"/"production", human-readable development encoding otherwise.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(env) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
