// Package speech plays answers through a local text-to-speech command.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"pagechat/internal/domain"
)

// Candidates are tried in order when no command is configured.
var Candidates = []string{"espeak-ng", "espeak", "say", "spd-say"}

// CommandSpeaker runs one speech process at a time.
type CommandSpeaker struct {
	command string
	logger  *slog.Logger
	run     func(ctx context.Context, name string, args []string, text string) error

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

var _ domain.Speaker = (*CommandSpeaker)(nil)

// Detect returns a speaker for the first candidate found on PATH.
func Detect(logger *slog.Logger) (*CommandSpeaker, error) {
	for _, c := range Candidates {
		if _, err := exec.LookPath(c); err == nil {
			return New(c, logger), nil
		}
	}
	return nil, domain.NewDomainError("Speech.Detect", domain.ErrNotFound,
		"none of "+strings.Join(Candidates, ", ")+" is installed")
}

// New creates a speaker that runs command.
func New(command string, logger *slog.Logger) *CommandSpeaker {
	return &CommandSpeaker{command: command, logger: logger, run: runCommand}
}

// Command returns the program the speaker runs.
func (s *CommandSpeaker) Command() string { return s.command }

// Speak plays text and returns when playback ends. Starting a new
// utterance stops the previous one.
func (s *CommandSpeaker) Speak(ctx context.Context, text string, view domain.SettingsView) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	err := s.run(ctx, s.command, Args(s.command, view), text)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		s.logger.Warn("speech command failed", "command", s.command, "error", err)
		return fmt.Errorf("speak with %s: %w", s.command, err)
	}
	return nil
}

// Cancel stops playback in progress.
func (s *CommandSpeaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Args maps the speech settings onto command's flags. Rate 1.0 is the
// command's normal speed.
func Args(command string, view domain.SettingsView) []string {
	rate := view.SpeechRate
	if rate <= 0 {
		rate = 1
	}
	pitch := view.SpeechPitch
	if pitch <= 0 {
		pitch = 1
	}
	switch command {
	case "espeak", "espeak-ng":
		args := []string{"-s", strconv.Itoa(int(175 * rate)), "-p", strconv.Itoa(min(99, int(50*pitch)))}
		if view.VoiceID != "" {
			args = append(args, "-v", view.VoiceID)
		}
		return append(args, "--stdin")
	case "say":
		args := []string{"-r", strconv.Itoa(int(175 * rate))}
		if view.VoiceID != "" {
			args = append(args, "-v", view.VoiceID)
		}
		return args
	case "spd-say":
		args := []string{"-w", "-r", strconv.Itoa(clampPercent(rate)), "-p", strconv.Itoa(clampPercent(pitch)), "-e"}
		if view.VoiceID != "" {
			args = append(args, "-y", view.VoiceID)
		}
		return args
	}
	return nil
}

// clampPercent maps a 1.0-centred multiplier onto spd-say's -100..100.
func clampPercent(v float64) int {
	return max(-100, min(100, int((v-1)*100)))
}

func runCommand(ctx context.Context, name string, args []string, text string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}
