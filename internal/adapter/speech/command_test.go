package speech

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/domain"
)

func TestArgs(t *testing.T) {
	view := domain.SettingsView{SpeechRate: 2, SpeechPitch: 1, VoiceID: "en-gb"}

	assert.Equal(t, []string{"-s", "350", "-p", "50", "-v", "en-gb", "--stdin"}, Args("espeak-ng", view))
	assert.Equal(t, []string{"-r", "350", "-v", "en-gb"}, Args("say", view))
	assert.Equal(t, []string{"-w", "-r", "100", "-p", "0", "-e", "-y", "en-gb"}, Args("spd-say", view))
	assert.Nil(t, Args("unknown", view))

	defaults := Args("espeak", domain.SettingsView{})
	assert.Equal(t, []string{"-s", "175", "-p", "50", "--stdin"}, defaults)
}

func TestSpeakPassesText(t *testing.T) {
	s := New("espeak", slog.New(slog.DiscardHandler))
	var got string
	s.run = func(_ context.Context, name string, args []string, text string) error {
		got = text
		assert.Equal(t, "espeak", name)
		return nil
	}
	require.NoError(t, s.Speak(context.Background(), "hello there", domain.SettingsView{SpeechRate: 1}))
	assert.Equal(t, "hello there", got)

	got = ""
	require.NoError(t, s.Speak(context.Background(), "   ", domain.SettingsView{}))
	assert.Empty(t, got)
}

func TestCancelStopsPlayback(t *testing.T) {
	s := New("say", slog.New(slog.DiscardHandler))
	started := make(chan struct{})
	s.run = func(ctx context.Context, _ string, _ []string, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- s.Speak(context.Background(), "long answer", domain.SettingsView{}) }()
	<-started
	s.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after Cancel")
	}
	s.Cancel()
}

func TestSpeakReportsFailure(t *testing.T) {
	s := New("say", slog.New(slog.DiscardHandler))
	s.run = func(context.Context, string, []string, string) error { return errors.New("no audio device") }
	err := s.Speak(context.Background(), "x", domain.SettingsView{})
	assert.ErrorContains(t, err, "no audio device")
}
