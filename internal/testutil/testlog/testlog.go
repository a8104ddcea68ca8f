package testlog

import (
	"testing"

	"github.com/danmuck/viewhost/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Debug().Str("test", t.Name()).Msg("test.start")
}
