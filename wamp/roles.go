package wamp

// Role and feature names used in HELLO and WELCOME details.
const (
	RoleBroker     = "broker"
	RoleDealer     = "dealer"
	RoleCallee     = "callee"
	RoleCaller     = "caller"
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"

	FeatureCallCanceling   = "call_canceling"
	FeatureCallTimeout     = "call_timeout"
	FeatureCallerIdent     = "caller_identification"
	FeaturePatternBasedReg = "pattern_based_registration"
	FeaturePatternSub      = "pattern_based_subscription"
	FeaturePubExclusion    = "publisher_exclusion"
	FeaturePubIdent        = "publisher_identification"
)
