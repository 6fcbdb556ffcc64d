package agent

import "errors"

// ErrIterationCap is logged when a turn exhausts its tool-calling
// rounds. The turn still completes with a degraded answer.
var ErrIterationCap = errors.New("agent: iteration cap reached")
