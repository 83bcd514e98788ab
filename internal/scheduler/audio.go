package scheduler

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultPlayerCommand loops a file or URL until killed
const DefaultPlayerCommand = "mpv --really-quiet --no-video --loop=inf"

// ExecBackend plays sounds by running an external player process. Stopping
// kills the process, so the next Start begins from the top.
type ExecBackend struct {
	command []string
	resolve func(sound string) string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewExecBackend builds a backend from a command line such as
// DefaultPlayerCommand. Sounds are read from soundsDir when set, otherwise
// fetched from serverURL/sounds/.
func NewExecBackend(commandLine, soundsDir, serverURL string) (*ExecBackend, error) {
	command := strings.Fields(commandLine)
	if len(command) == 0 {
		return nil, errors.New("empty player command")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("player %q not found: %w", command[0], err)
	}

	return &ExecBackend{
		command: command,
		resolve: soundResolver(soundsDir, serverURL),
	}, nil
}

func soundResolver(soundsDir, serverURL string) func(string) string {
	if soundsDir != "" {
		return func(sound string) string {
			return filepath.Join(soundsDir, filepath.Base(sound))
		}
	}
	base := strings.TrimRight(serverURL, "/")
	return func(sound string) string {
		return base + "/sounds/" + url.PathEscape(sound)
	}
}

// Start launches the player for sound.
func (b *ExecBackend) Start(sound string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return errors.New("a sound is already playing")
	}
	args := append(append([]string{}, b.command[1:]...), b.resolve(sound))
	cmd := exec.Command(b.command[0], args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	b.cmd = cmd
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// Stop kills the running player, if any.
func (b *ExecBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil
	}
	cmd := b.cmd
	b.cmd = nil
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
