package relay

import "time"

// Status classifies the outcome of a relayed turn.
type Status string

const (
	// StatusSuccess means the agent completed the request.
	StatusSuccess Status = "success"
	// StatusMissingParameter means the agent needs another parameter
	// before it can act.
	StatusMissingParameter Status = "missing_parameter"
	// StatusMaxAttempts means the session hit the attempt ceiling and the
	// agent was not invoked.
	StatusMaxAttempts Status = "max_attempts_exceeded"
	// StatusTimedOut means the agent did not reply within the bounded wait.
	StatusTimedOut Status = "timed_out"
	// StatusInternalError means the agent failed in a way the caller
	// cannot fix by supplying more parameters.
	StatusInternalError Status = "internal_error"
)

// TurnResult is the outcome of one relayed turn.
type TurnResult struct {
	SessionID    string
	Status       Status
	Reply        string
	MissingParam string
}

// TurnRecord is one completed turn as handed to the transcript log.
type TurnRecord struct {
	SessionID    string
	Status       string
	UserText     string
	AgentReply   string
	AttemptCount int
	Latency      time.Duration
}

// TurnRecorder receives completed turns for audit logging. Record is
// called on the request path and must not block.
type TurnRecorder interface {
	Record(rec TurnRecord)
}

type noopTurnRecorder struct{}

func (noopTurnRecorder) Record(TurnRecord) {}
