package presence

import (
	"time"

	"github.com/nugget/presence-client/transport"
)

// connContext is the ConnectionManager's FSM context. It is mutated
// only through fsm.Patchable[connContext].Patch — every field here is
// read-only to anything that isn't inside a Patch call.
type connContext struct {
	// successCount counts consecutive successful connects (reconnects
	// bump it above 1), reset to 0 on entry to any idle state.
	successCount int

	// authValue is empty (⊥) until Authenticate succeeds; emptying it
	// forces re-authentication on the next connect attempt.
	authValue string

	// transport is non-nil iff currentState is in the OK group.
	transport transport.Session

	backoffDelay time.Duration
	backoffTier  backoffLadder
}

// envelope is the post-decode shape of every wire frame, matching the
// t/op/c/p/pl map keys; encodeEnvelope/decodeEnvelope convert it to and
// from a codec.Map by hand.
type envelope struct {
	T  string // "control" or "data"
	Op string
	C  string // channel id
	P  string // peer id, when relevant
	Pl []byte // nested encoded payload
}

// dataPayload is what Pl decodes to for t == "data" frames.
type dataPayload struct {
	Event string
	Data  any
}
