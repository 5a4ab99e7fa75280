package agent

import "regexp"

// SignalKind classifies the structured tag parsed from agent output.
type SignalKind string

const (
	// SignalContinue means no tag was present; the run loop continues.
	SignalContinue SignalKind = "continue"
	// SignalComplete means the agent claims the work is done.
	SignalComplete SignalKind = "complete"
	// SignalBlocked means the agent cannot proceed.
	SignalBlocked SignalKind = "blocked"
	// SignalApprove is the positive review outcome.
	SignalApprove SignalKind = "approve"
	// SignalReject is the negative review outcome.
	SignalReject SignalKind = "reject"
)

// Signal is the parsed outcome of one agent turn.
type Signal struct {
	// Kind is the signal classification.
	Kind SignalKind
	// Reason carries the tag's reason attribute, if any.
	Reason string
}

var signalPatterns = []struct {
	kind SignalKind
	re   *regexp.Regexp
}{
	{SignalComplete, regexp.MustCompile(`<complete\s*/?>`)},
	{SignalBlocked, regexp.MustCompile(`<blocked(?:\s+reason="([^"]*)")?\s*/?>`)},
	{SignalApprove, regexp.MustCompile(`<approve(?:\s+reason="([^"]*)")?\s*/?>`)},
	{SignalReject, regexp.MustCompile(`<reject(?:\s+reason="([^"]*)")?\s*/?>`)},
}

// ParseSignal extracts the signal tag from agent response text. When more
// than one tag is present the last occurrence wins, so an agent quoting an
// earlier instruction does not trigger a stale signal. ParseSignal is pure:
// equal inputs yield equal outputs.
func ParseSignal(text string) Signal {
	best := Signal{Kind: SignalContinue}
	bestIndex := -1

	for _, p := range signalPatterns {
		locs := p.re.FindAllStringSubmatchIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		last := locs[len(locs)-1]
		if last[0] <= bestIndex {
			continue
		}
		sig := Signal{Kind: p.kind}
		if len(last) >= 4 && last[2] >= 0 {
			sig.Reason = text[last[2]:last[3]]
		}
		best = sig
		bestIndex = last[0]
	}

	return best
}
