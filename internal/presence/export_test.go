package presence

import "context"

// Hooks that let tests drive timer-driven work deterministically.

func (s *Session) Beat(ctx context.Context) bool { return s.beat(ctx) }

func (s *Session) SweepNow(ctx context.Context) { s.sweep(ctx) }

func (s *Session) Kick() { s.kick() }
