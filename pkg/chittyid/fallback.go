package chittyid

import "strings"

// FallbackType classifies what a fallback sentinel encodes.
type FallbackType string

const (
	FallbackError    FallbackType = "error"
	FallbackCircuit  FallbackType = "circuit"
	FallbackDegraded FallbackType = "degraded"
	FallbackRecovery FallbackType = "recovery"
)

// FallbackAction tells the caller how to proceed.
type FallbackAction string

const (
	ActionWaitAndRetry         FallbackAction = "wait_and_retry"
	ActionExponentialBackoff   FallbackAction = "exponential_backoff"
	ActionUseFallback          FallbackAction = "use_fallback"
	ActionUseCache             FallbackAction = "use_cache"
	ActionPromptAuthentication FallbackAction = "prompt_authentication"
	ActionFail                 FallbackAction = "fail"
)

// FallbackStatus is the decoded form of a fallback sentinel.
type FallbackStatus struct {
	Type       FallbackType   `json:"type"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Name       string         `json:"name"`
	Action     FallbackAction `json:"action"`
	Retryable  bool           `json:"retryable"`
	Message    string         `json:"message"`
}

// fallbackPrefix marks sentinel identifiers the authority returns in place
// of real ChittyIDs while degraded.
const fallbackPrefix = "CHITTY-"

// fallbackCatalogue is the fixed sentinel set. Keys are normalized upper case.
var fallbackCatalogue = map[string]FallbackStatus{
	"CHITTY-SVC-DOWN": {
		Type: FallbackError, HTTPStatus: 503, Name: "service_down",
		Action: ActionExponentialBackoff, Retryable: true,
		Message: "identifier service is unavailable",
	},
	"CHITTY-MAINTENANCE": {
		Type: FallbackDegraded, HTTPStatus: 503, Name: "maintenance",
		Action: ActionWaitAndRetry, Retryable: true,
		Message: "identifier service is under scheduled maintenance",
	},
	"CHITTY-RATE-LIMITED": {
		Type: FallbackError, HTTPStatus: 429, Name: "rate_limited",
		Action: ActionExponentialBackoff, Retryable: true,
		Message: "identifier service throttled the caller",
	},
	"CHITTY-CIRCUIT-OPEN": {
		Type: FallbackCircuit, Name: "circuit_open",
		Action: ActionUseFallback, Retryable: false,
		Message: "circuit breaker is open for the identifier service",
	},
	"CHITTY-DEGRADED": {
		Type: FallbackDegraded, Name: "degraded",
		Action: ActionUseCache, Retryable: true,
		Message: "identifier service is serving degraded responses",
	},
	"CHITTY-RECOVERY": {
		Type: FallbackRecovery, Name: "recovering",
		Action: ActionWaitAndRetry, Retryable: true,
		Message: "identifier service is recovering, writes are paused",
	},
	"CHITTY-AUTH-REQUIRED": {
		Type: FallbackError, HTTPStatus: 401, Name: "auth_required",
		Action: ActionPromptAuthentication, Retryable: false,
		Message: "identifier service rejected the caller's credentials",
	},
	"CHITTY-TIMEOUT": {
		Type: FallbackError, HTTPStatus: 504, Name: "timeout",
		Action: ActionExponentialBackoff, Retryable: true,
		Message: "identifier service timed out upstream",
	},
	"CHITTY-FATAL": {
		Type: FallbackError, HTTPStatus: 500, Name: "fatal",
		Action: ActionFail, Retryable: false,
		Message: "identifier service reported an unrecoverable fault",
	},
}

// IsFallback reports whether an identifier is a transport sentinel rather
// than a real ChittyID.
func IsFallback(id string) bool {
	return strings.HasPrefix(strings.ToUpper(id), fallbackPrefix)
}

// DecodeFallback maps a sentinel to its status. The second return is false
// when id is not a fallback sentinel at all. Sentinels outside the known
// catalogue decode to a non-retryable failure so server drift stays bounded.
func DecodeFallback(id string) (FallbackStatus, bool) {
	up := strings.ToUpper(id)
	if !strings.HasPrefix(up, fallbackPrefix) {
		return FallbackStatus{}, false
	}
	if status, ok := fallbackCatalogue[up]; ok {
		return status, true
	}
	return FallbackStatus{
		Type: FallbackError, Name: "unknown_sentinel",
		Action: ActionFail, Retryable: false,
		Message: "unrecognized fallback sentinel " + up,
	}, true
}
