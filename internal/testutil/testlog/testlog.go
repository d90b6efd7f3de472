package testlog

import (
	"testing"

	"github.com/danmuck/auctionctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures the test logging profile and marks the test boundary in
// the log stream.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}
