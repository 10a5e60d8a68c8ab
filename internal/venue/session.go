// Package venue owns the configured venue clients for the lifetime of the
// process. Callers reach every client through a Handle, which throttles
// requests, translates canonical symbols into venue-native ones and reports
// missing capabilities as domain.ErrCapabilityUnsupported.
package venue

import (
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Entry is one configured venue.
type Entry struct {
	Client domain.VenueClient
	Kind   string
	// RateLimitRPS throttles this venue in-process. Zero disables the local
	// limiter.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Session is everything a Registry is built from. It replaces any
// process-wide client map: whoever builds the Session decides what the
// Registry contains.
type Session struct {
	Entries []Entry
	Fees    domain.FeeSchedule
	Aliases domain.AliasTable

	// Shared, when set, throttles every venue across processes under the key
	// "venue:<id>" at SharedLimit requests per SharedWindow.
	Shared       domain.RateLimiter
	SharedLimit  int
	SharedWindow time.Duration

	// OnCall observes every venue call; metrics hook in here.
	OnCall func(venueID, op string, elapsed time.Duration, err error)

	Logger *slog.Logger
}
