package wamp

// Keywords for message options and details, and their reserved values.
const (
	OptAcknowledge = "acknowledge"
	OptMatch       = "match"
	OptMode        = "mode"
	OptProcedure   = "procedure"
	OptReason      = "reason"
	OptTimeout     = "timeout"
	OptTopic       = "topic"

	// Values for URI matching policy.
	MatchExact    = "exact"
	MatchPrefix   = "prefix"
	MatchWildcard = "wildcard"

	// Values for call cancel mode.
	CancelModeKill       = "kill"
	CancelModeKillNoWait = "killnowait"
	CancelModeSkip       = "skip"
)
