package firmware

// ReactionGame is a minimal App. It arms a reaction after ArmAfterTicks
// heartbeats, reports the measured time, and starts over once the actuation
// that follows each reaction is done.
type ReactionGame struct {
	ArmAfterTicks uint32
	// StarveWatchdog blocks every kick so the watchdog resets the system.
	StarveWatchdog bool
	OnReaction     func(ticks uint32)

	heartbeats uint32
	armed      bool
	busy       bool
	reactions  uint64
	actuations uint64
}

func (g *ReactionGame) Heartbeat(fw *Firmware) {
	if g.StarveWatchdog {
		fw.Watchdog().BlockKicking()
	}
	fw.KickWatchdog()

	if g.armed || g.busy {
		return
	}
	g.heartbeats++
	if g.heartbeats >= g.ArmAfterTicks {
		g.heartbeats = 0
		g.armed = true
		fw.StartReaction()
	}
}

func (g *ReactionGame) Reaction(fw *Firmware, ticks uint32) {
	if !g.armed {
		return
	}
	fw.StopReaction()
	g.armed = false
	g.busy = true
	g.reactions++
	if g.OnReaction != nil {
		g.OnReaction(ticks)
	}
	fw.PostActuationDone()
}

func (g *ReactionGame) ActuationDone(fw *Firmware) {
	g.busy = false
	g.actuations++
}

// Armed reports whether the game is waiting for a reaction.
func (g *ReactionGame) Armed() bool { return g.armed }

// Reactions returns how many reactions were measured.
func (g *ReactionGame) Reactions() uint64 { return g.reactions }

func (g *ReactionGame) Actuations() uint64 { return g.actuations }
