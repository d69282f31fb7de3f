package session

import "time"

// Risk scoring weights and thresholds.
const (
	riskOffHours      = 0.1
	riskNewCountry    = 0.3
	riskNewDevice     = 0.4
	riskCountryChange = 0.2
	riskUAChange      = 0.1

	// SuspiciousThreshold is the risk score above which a session is flagged.
	SuspiciousThreshold = 0.7

	// historyWindow is how many recent sessions inform novelty checks.
	historyWindow = 10

	dayStartHour = 6
	dayEndHour   = 22
)

// Analysis is the outcome of scoring a login against the principal's recent
// session history. Recommendations are advisory only.
type Analysis struct {
	Score           float64
	Flags           []string
	Recommendations []string
}

// Suspicious reports whether the score crosses the flagging threshold.
func (a Analysis) Suspicious() bool { return a.Score > SuspiciousThreshold }

// Flagged reports whether a specific anomaly flag was raised.
func (a Analysis) Flagged(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AnalyzeLogin scores a new login purely from the inputs: no I/O, no clock.
// history is the principal's most recent sessions (any status), newest first;
// loginTime must already be in the principal's local timezone.
func AnalyzeLogin(history []*Session, country, fingerprint string, loginTime time.Time) Analysis {
	var a Analysis

	if h := loginTime.Hour(); h < dayStartHour || h >= dayEndHour {
		a.Score += riskOffHours
		a.Flags = append(a.Flags, FlagOffHours)
	}

	if len(history) > historyWindow {
		history = history[:historyWindow]
	}

	if country != "" && !countrySeen(history, country) {
		a.Score += riskNewCountry
		a.Flags = append(a.Flags, FlagNewLocation)
		a.Recommendations = append(a.Recommendations, "verify this login location")
	}

	if fingerprint != "" && !fingerprintSeen(history, fingerprint) && len(history) > 0 {
		a.Score += riskNewDevice
		a.Flags = append(a.Flags, FlagNewDevice)
		a.Recommendations = append(a.Recommendations, "enable MFA for new devices")
	}

	a.Score = clampScore(a.Score)
	return a
}

func countrySeen(history []*Session, country string) bool {
	if len(history) == 0 {
		// First ever login: nothing to compare against, not an anomaly.
		return true
	}
	for _, s := range history {
		if s.Country == country {
			return true
		}
	}
	return false
}

func fingerprintSeen(history []*Session, fingerprint string) bool {
	for _, s := range history {
		if s.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
