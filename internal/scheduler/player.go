package scheduler

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

// State is the playback state of a Player
type State int

const (
	Idle State = iota
	Ringing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AudioBackend plays one sound on a loop. Start always begins at position
// zero; Stop halts playback and discards the position.
type AudioBackend interface {
	Start(sound string) error
	Stop() error
}

// Player owns the single audio output. At most one sound plays at a time.
type Player struct {
	backend AudioBackend
	logger  *zap.Logger
	status  io.Writer

	mu    sync.Mutex
	state State
	sound string
}

// PlayerOption customizes a Player.
type PlayerOption func(*Player)

// WithStatusOutput prints colored state changes to w.
func WithStatusOutput(w io.Writer) PlayerOption {
	return func(p *Player) { p.status = w }
}

// NewPlayer creates an idle player.
func NewPlayer(backend AudioBackend, logger *zap.Logger, opts ...PlayerOption) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Player{backend: backend, logger: logger, state: Idle}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play rings sound. Playing the sound that is already ringing does nothing;
// a different sound replaces the current one.
func (p *Player) Play(sound string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Ringing && p.sound == sound {
		return nil
	}
	if p.state == Ringing {
		if err := p.backend.Stop(); err != nil {
			p.logger.Warn("stopping previous sound failed", zap.String("sound", p.sound), zap.Error(err))
		}
		p.state = Idle
		p.sound = ""
	}

	if err := p.backend.Start(sound); err != nil {
		return fmt.Errorf("starting %s: %w", sound, err)
	}
	p.state = Ringing
	p.sound = sound
	p.logger.Info("alarm ringing", zap.String("sound", sound))
	p.printStatus(color.New(color.FgRed, color.Bold), "RINGING  %s  (type \"stop\" to silence)\n", sound)
	return nil
}

// Stop silences the player and returns it to Idle.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Idle {
		return nil
	}
	err := p.backend.Stop()
	p.state = Idle
	p.sound = ""
	p.logger.Info("alarm stopped")
	p.printStatus(color.New(color.FgGreen), "idle\n")
	return err
}

// State returns the current state and the sound ringing, if any.
func (p *Player) State() (State, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.sound
}

func (p *Player) printStatus(c *color.Color, format string, args ...any) {
	if p.status == nil {
		return
	}
	_, _ = c.Fprintf(p.status, format, args...)
}
