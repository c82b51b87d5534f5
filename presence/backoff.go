package presence

import "time"

// backoffLadder selects which of the two reconnect schedules a
// connContext is currently climbing.
type backoffLadder int

const (
	normalLadder backoffLadder = iota
	slowLadder                  // reserved for server-signalled rate limits; see DESIGN.md OQ-2
)

var normalTiers = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	10000 * time.Millisecond,
}

var slowTiers = []time.Duration{
	2000 * time.Millisecond,
	30000 * time.Millisecond,
	60000 * time.Millisecond,
	300000 * time.Millisecond,
}

func tiersFor(ladder backoffLadder) []time.Duration {
	if ladder == slowLadder {
		return slowTiers
	}
	return normalTiers
}

// resetDelay returns the delay value used on entry to any OK state:
// one tier below the first, so the next advanceBackoff call lands on
// the first real tier.
func resetDelay(ladder backoffLadder) time.Duration {
	tiers := tiersFor(ladder)
	return tiers[0] - 1
}

// advanceBackoff returns the first tier strictly greater than current,
// capped at the ladder's last tier.
func advanceBackoff(ladder backoffLadder, current time.Duration) time.Duration {
	tiers := tiersFor(ladder)
	for _, tier := range tiers {
		if tier > current {
			return tier
		}
	}
	return tiers[len(tiers)-1]
}
