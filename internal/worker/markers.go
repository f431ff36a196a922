package worker

import "strings"

// Builder output markers
//
// The builder signals a feature's terminal outcome by printing a marker
// anywhere in its transcript. Markers may be wrapped in <promise> tags or
// appear bare; when a transcript carries more than one, the first terminal
// marker wins and the rest are ignored.
//
//	<promise>FEATURE_COMPLETE:auth</promise>
//	<promise>BLOCKED:auth:waiting on credentials</promise>
//	<promise>STUCK:auth</promise>

const (
	markerComplete = "FEATURE_COMPLETE:"
	markerBlocked  = "BLOCKED:"
	markerStuck    = "STUCK:"

	promiseClose = "</promise>"
)

// Outcome classifies the terminal marker found in a builder transcript.
type Outcome int

const (
	// OutcomeNone means no terminal marker was found
	OutcomeNone Outcome = iota

	// OutcomeComplete means the builder finished the feature
	OutcomeComplete

	// OutcomeBlocked means the builder cannot proceed
	OutcomeBlocked

	// OutcomeStuck means the builder gave up without a specific blocker
	OutcomeStuck
)

// Marker is one parsed terminal marker.
type Marker struct {
	Outcome Outcome
	Reason  string // populated for OutcomeBlocked
}

// ScanMarkers finds the first terminal marker for the feature in a builder
// transcript. Markers addressed to other feature ids are skipped, as are
// token lookalikes that do not parse. Returns the zero Marker when the
// transcript carries no terminal marker for this feature.
func ScanMarkers(transcript, featureID string) Marker {
	tokens := []struct {
		prefix  string
		outcome Outcome
	}{
		{markerComplete, OutcomeComplete},
		{markerBlocked, OutcomeBlocked},
		{markerStuck, OutcomeStuck},
	}

	offset := 0
	for offset < len(transcript) {
		best := -1
		outcome := OutcomeNone
		prefix := ""
		for _, tok := range tokens {
			i := strings.Index(transcript[offset:], tok.prefix)
			if i < 0 {
				continue
			}
			if best < 0 || offset+i < best {
				best = offset + i
				outcome = tok.outcome
				prefix = tok.prefix
			}
		}
		if best < 0 {
			return Marker{}
		}

		if m, ok := parseMarker(transcript[best+len(prefix):], outcome, featureID); ok {
			return m
		}
		offset = best + 1
	}
	return Marker{}
}

// parseMarker parses one marker body (the text after its prefix). The marker
// only counts when its embedded id names the feature being worked.
func parseMarker(body string, outcome Outcome, featureID string) (Marker, bool) {
	id := markerIdent(body)
	if id != featureID {
		return Marker{}, false
	}

	if outcome != OutcomeBlocked {
		return Marker{Outcome: outcome}, true
	}

	rest := body[len(id):]
	reason := ""
	if strings.HasPrefix(rest, ":") {
		reason = rest[1:]
		end := len(reason)
		if i := strings.Index(reason, promiseClose); i >= 0 && i < end {
			end = i
		}
		if i := strings.IndexAny(reason, "\r\n"); i >= 0 && i < end {
			end = i
		}
		reason = strings.TrimSpace(reason[:end])
	}
	return Marker{Outcome: OutcomeBlocked, Reason: reason}, true
}

// markerIdent reads a feature id from the start of s, stopping at the first
// delimiter character.
func markerIdent(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':', '<', ' ', '\t', '\r', '\n':
			return s[:i]
		}
	}
	return s
}

// Decision request grammar
//
// A blocked reason of this exact shape routes to the decision queue instead
// of blocking the feature:
//
//	DECISION: <question> OPTIONS: <a> | <b> [DEFAULT: <a>]
//
// The DEFAULT stanza is optional; when present its value must be one of the
// options. Reasons that do not parse block the feature as written.

const (
	decisionPrefix = "DECISION:"
	optionsTag     = "OPTIONS:"
	defaultTag     = "[DEFAULT:"
)

// DecisionRequest is a structured question parsed from a blocked reason.
type DecisionRequest struct {
	Question string
	Options  []string
	Default  string // empty when the builder offered no default
}

// ParseDecisionRequest parses a blocked reason against the decision grammar.
// Returns false for anything that does not match it exactly.
func ParseDecisionRequest(reason string) (DecisionRequest, bool) {
	s := strings.TrimSpace(reason)
	if !strings.HasPrefix(s, decisionPrefix) {
		return DecisionRequest{}, false
	}
	s = s[len(decisionPrefix):]

	oi := strings.Index(s, optionsTag)
	if oi < 0 {
		return DecisionRequest{}, false
	}
	question := strings.TrimSpace(s[:oi])
	if question == "" {
		return DecisionRequest{}, false
	}

	rest := s[oi+len(optionsTag):]
	def := ""
	if di := strings.Index(rest, defaultTag); di >= 0 {
		tail := rest[di+len(defaultTag):]
		ci := strings.Index(tail, "]")
		if ci < 0 {
			return DecisionRequest{}, false
		}
		def = strings.TrimSpace(tail[:ci])
		rest = rest[:di]
	}

	var options []string
	for _, o := range strings.Split(rest, "|") {
		o = strings.TrimSpace(o)
		if o != "" {
			options = append(options, o)
		}
	}
	if len(options) == 0 {
		return DecisionRequest{}, false
	}

	if def != "" {
		found := false
		for _, o := range options {
			if o == def {
				found = true
				break
			}
		}
		if !found {
			return DecisionRequest{}, false
		}
	}

	return DecisionRequest{Question: question, Options: options, Default: def}, true
}
