package desfire

// KeyProbe is a candidate key for DiagnoseKeys.
type KeyProbe struct {
	Label string
	Key   Key
}

// KeyProbeResult holds the result of an authentication attempt for diagnostics.
type KeyProbeResult struct {
	Label   string // Candidate label
	KeyNo   byte   // Key slot number
	Success bool   // True if authentication succeeded
	Step    string // Authentication step where failure occurred ("step1" or "step2")
	SW      uint16 // Status word from failed step
	RespLen int    // Response length from failed step
	Err     error  // Underlying error
}

// DiagnoseKeys attempts authentication of one slot with each candidate key.
// This is useful for finding out which key a card is locked with.
//
// Parameters:
//   - tag: Card with the target application selected
//   - keyNo: Slot to test
//   - probes: Candidate keys, tried in order
//
// Returns:
//   - Slice of KeyProbeResult, one per candidate
//
// A failed authentication leaves the application selected, so no re-select
// happens between attempts. The tag is left unauthenticated.
func DiagnoseKeys(tag *Tag, keyNo byte, probes []KeyProbe) []KeyProbeResult {
	results := make([]KeyProbeResult, 0, len(probes))
	for _, p := range probes {
		err := tag.Authenticate(keyNo, p.Key)
		result := KeyProbeResult{Label: p.Label, KeyNo: keyNo, Success: err == nil, Err: err}
		if err != nil {
			step, sw, respLen, ok := classifyAuthError(err)
			if ok {
				result.Step = step
				result.SW = sw
				result.RespLen = respLen
			}
		}
		results = append(results, result)
	}
	tag.invalidate()
	return results
}
