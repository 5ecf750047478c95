package targets

// MergeTargets merges locally enumerated targets with the descriptions
// reported by connected companions into one list with at most one entry per
// udid.
//
// When both sides report the same udid, the companion-reported description
// wins: it reflects live state (boot status and the like) that a bare
// enumeration cannot see. Locality is the exception: a target stays local
// if either side marked it local. Output order is deterministic: local
// entries in input order, then companion-only entries in input order.
func MergeTargets(local []TargetDescription, connected []TargetDescription) []TargetDescription {
	connectedByUDID := make(map[string]TargetDescription, len(connected))
	for _, target := range connected {
		if _, ok := connectedByUDID[target.UDID]; !ok {
			connectedByUDID[target.UDID] = target
		}
	}

	merged := make([]TargetDescription, 0, len(local)+len(connected))
	seen := make(map[string]bool, len(local)+len(connected))

	for _, localTarget := range local {
		if seen[localTarget.UDID] {
			continue
		}
		seen[localTarget.UDID] = true
		if connectedTarget, ok := connectedByUDID[localTarget.UDID]; ok {
			connectedTarget.IsLocal = connectedTarget.IsLocal || localTarget.IsLocal
			merged = append(merged, connectedTarget)
		} else {
			merged = append(merged, localTarget)
		}
	}

	for _, connectedTarget := range connected {
		if seen[connectedTarget.UDID] {
			continue
		}
		seen[connectedTarget.UDID] = true
		merged = append(merged, connectedTarget)
	}

	return merged
}
