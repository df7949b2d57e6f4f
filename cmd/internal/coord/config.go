package coord

import "time"

// Config holds the coordination timing and weighting knobs.
type Config struct {
	// CandidateDelay is how long an announced candidate waits before
	// self-electing, giving better-placed siblings time to respond.
	CandidateDelay time.Duration

	// TransferGrace bounds a graceful leadership handoff; past it the
	// departing leader's record is cleared and survivors re-elect.
	TransferGrace time.Duration

	// RecoveryTTL bounds how long a recovery token can resume a
	// dropped connection.
	RecoveryTTL time.Duration

	// RecoveryMaxAttempts caps resume attempts per token; over-budget
	// tokens are invalid even if unexpired.
	RecoveryMaxAttempts int

	// Election priority weights by visibility.
	VisibleWeight int
	HiddenWeight  int

	// RoomTTL expires rooms left unreferenced and not renewed.
	RoomTTL time.Duration

	// LeaderTTL / StateTTL bound the durable records; every write
	// refreshes them.
	LeaderTTL time.Duration
	StateTTL  time.Duration

	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int
}

// DefaultConfig returns the standard coordination parameters.
func DefaultConfig() Config {
	return Config{
		CandidateDelay:      2 * time.Second,
		TransferGrace:       3 * time.Second,
		RecoveryTTL:         60 * time.Second,
		RecoveryMaxAttempts: 5,
		VisibleWeight:       100,
		HiddenWeight:        50,
		RoomTTL:             5 * time.Minute,
		LeaderTTL:           30 * time.Minute,
		StateTTL:            30 * time.Minute,
		SendQueueSize:       256,
	}
}

// withDefaults fills zero values so a partially populated Config is safe.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CandidateDelay <= 0 {
		c.CandidateDelay = def.CandidateDelay
	}
	if c.TransferGrace <= 0 {
		c.TransferGrace = def.TransferGrace
	}
	if c.RecoveryTTL <= 0 {
		c.RecoveryTTL = def.RecoveryTTL
	}
	if c.RecoveryMaxAttempts <= 0 {
		c.RecoveryMaxAttempts = def.RecoveryMaxAttempts
	}
	if c.VisibleWeight <= 0 {
		c.VisibleWeight = def.VisibleWeight
	}
	if c.HiddenWeight <= 0 {
		c.HiddenWeight = def.HiddenWeight
	}
	if c.RoomTTL <= 0 {
		c.RoomTTL = def.RoomTTL
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = def.LeaderTTL
	}
	if c.StateTTL <= 0 {
		c.StateTTL = def.StateTTL
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	return c
}
