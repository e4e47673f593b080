package engine

// PollResult carries background-work effects plus the earliest time the
// caller should poll again (the "no tight loop" invariant of §4.5/§4.4,
// applied here to engine-level background work: rotate keys, refresh
// expiring pre-keys).
type PollResult struct {
	Effects      []Effect
	NextWakeupMs int64
}

// Poll implements §4.4's poll(now): decides whether accumulated state
// crosses a rekey threshold and, if so, emits a ScheduleWakeup hint for
// the orchestrator to act on (actually authoring the Rekey/KeyWrap pair
// is the orchestrator's job, since it requires knowing the membership
// list to target KeyWrap's wrapped_keys at).
func (c *Conversation) Poll(now int64) PollResult {
	var effects []Effect

	needsRekey := false
	if c.Tun.RekeyNodeCountThreshold > 0 && c.epochNodeCount >= c.Tun.RekeyNodeCountThreshold {
		needsRekey = true
	}
	if c.Tun.RekeyElapsedMsThreshold > 0 && c.epochStartedAt > 0 && now-c.epochStartedAt >= c.Tun.RekeyElapsedMsThreshold {
		needsRekey = true
	}

	if needsRekey {
		effects = append(effects, emitEventEffect("RekeyThresholdCrossed", nil), scheduleWakeupEffect(now))
		return PollResult{Effects: effects, NextWakeupMs: now}
	}

	// With no elapsed-time deadline pending there is nothing to wake for:
	// fall back to the same one-hour idle re-check syncsession uses.
	next := now + 3_600_000
	if c.Tun.RekeyElapsedMsThreshold > 0 && c.epochStartedAt > 0 {
		next = c.epochStartedAt + c.Tun.RekeyElapsedMsThreshold
		if next < now {
			next = now
		}
	}
	effects = append(effects, scheduleWakeupEffect(next))
	return PollResult{Effects: effects, NextWakeupMs: next}
}
