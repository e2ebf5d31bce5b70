package terminal

import (
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/logger"
)

// Spawn creates a backend for the given options, honoring the headless
// flags: forceHeadless skips PTY allocation entirely; allowFallback retries
// in headless mode when PTY allocation fails.
func Spawn(opts Options, forceHeadless, allowFallback bool, log *logger.Logger) (Backend, error) {
	if forceHeadless {
		return NewHeadless(opts, log)
	}

	b, err := NewPTY(opts, log)
	if err == nil {
		return b, nil
	}
	if !allowFallback {
		return nil, err
	}

	log.Warn("PTY allocation failed, falling back to headless", zap.Error(err))
	return NewHeadless(opts, log)
}
