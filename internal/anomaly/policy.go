// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package anomaly

// Policy is the recommended response to an anomaly of a given severity.
type Policy struct {
	Action Action `json:"action"`
	Notify bool   `json:"notify"`
}

// policyTable is the single canonical severity policy.
var policyTable = map[Severity]Policy{
	SeverityNone:     {Action: ActionAllow},
	SeverityLow:      {Action: ActionMonitor},
	SeverityMedium:   {Action: ActionChallenge},
	SeverityHigh:     {Action: ActionChallenge, Notify: true},
	SeverityCritical: {Action: ActionBlock, Notify: true},
}

// PolicyFor returns the policy for s.
func PolicyFor(s Severity) Policy {
	if p, ok := policyTable[s]; ok {
		return p
	}
	// Out-of-range severities are treated as the strictest known one.
	return policyTable[SeverityCritical]
}

// Summary is the combined recommendation for a set of anomalies.
type Summary struct {
	MaxSeverity Severity `json:"max_severity"`
	Action      Action   `json:"action"`
	Notify      bool     `json:"notify"`
	Open        int      `json:"open"`
}

// Summarize combines the unresolved events. The action is the one for the
// maximum severity, never an average; Notify is set when any event's policy
// notifies.
func Summarize(events []Event) Summary {
	s := Summary{Action: ActionAllow}
	for i := range events {
		e := &events[i]
		if e.Resolved {
			continue
		}
		s.Open++
		p := PolicyFor(e.Severity)
		if e.Severity > s.MaxSeverity {
			s.MaxSeverity = e.Severity
		}
		if p.Action.Rank() > s.Action.Rank() {
			s.Action = p.Action
		}
		s.Notify = s.Notify || p.Notify
	}
	return s
}
