package scoring

import (
	"github.com/crowsnest-security/crowsnest/internal/event"
	"github.com/crowsnest-security/crowsnest/internal/rules"
)

// FeatureNames is the ordered feature contract of the ML scoring
// collaborator. The order is fixed; features the detection core cannot
// observe are sent as zero, which the collaborator treats as absent.
var FeatureNames = []string{
	"session_duration",
	"page_navigation_rate",
	"input_field_activity",
	"mouse_click_frequency",
	"suspicious_input_patterns",
	"form_submission_rate",
	"csrf_token_presence",
	"unusual_headers",
	"client_error_rate",
	"failed_login_attempts",
	"unusual_sql_queries",
	"response_time",
	"server_error_rate",
	"request_rate",
	"unusual_http_methods",
	"ip_reputation_score",
	"brute_force_signatures",
	"suspicious_file_uploads",
}

// Feature vector indices that the core populates.
const (
	featInputFieldActivity = 2
	featMouseClickFreq     = 3
	featSuspiciousInput    = 4
	featFailedLogins       = 9
	featUnusualSQL         = 10
	featRequestRate        = 13
	featBruteForce         = 16
)

// FeatureVector derives the ordered numeric vector from the canonical
// event and the rule hits already produced for it.
func FeatureVector(ev *event.Event, hits []rules.Hit) []float64 {
	v := make([]float64, len(FeatureNames))

	v[featInputFieldActivity] = ev.Behavior.InteractionRate
	v[featMouseClickFreq] = ev.Behavior.InteractionRate
	v[featFailedLogins] = ev.Behavior.FailedAuthAttempts
	v[featRequestRate] = ev.Behavior.RequestCount

	for _, h := range hits {
		switch h.RuleID {
		case "SQL_INJECTION":
			v[featUnusualSQL] = 1
			v[featSuspiciousInput] = 1
		case "SCRIPT_INJECTION", "PATH_TRAVERSAL":
			v[featSuspiciousInput] = 1
		case rules.BruteForceRuleID:
			v[featBruteForce] = 1
		}
	}

	return v
}
