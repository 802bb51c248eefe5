package domain

// Settings are the user preferences persisted by the broker. Credential
// never leaves the broker.
type Settings struct {
	Credential        string  `yaml:"credential" json:"-"`
	VoiceID           string  `yaml:"voice_id" json:"voice_id"`
	SpeechRate        float64 `yaml:"speech_rate" json:"speech_rate"`
	SpeechPitch       float64 `yaml:"speech_pitch" json:"speech_pitch"`
	AutoSaveExchanges *bool   `yaml:"auto_save_exchanges" json:"auto_save_exchanges"`
}

// DefaultSettings returns the settings used when nothing is persisted.
func DefaultSettings() Settings {
	autoSave := true
	return Settings{SpeechRate: 1.0, SpeechPitch: 1.0, AutoSaveExchanges: &autoSave}
}

// AutoSave reports whether completed answers are saved automatically.
// An unset value means enabled.
func (s Settings) AutoSave() bool {
	return s.AutoSaveExchanges == nil || *s.AutoSaveExchanges
}

// View returns the redacted form that may be shown to the panel.
func (s Settings) View() SettingsView {
	return SettingsView{
		HasCredential:     s.Credential != "",
		VoiceID:           s.VoiceID,
		SpeechRate:        s.SpeechRate,
		SpeechPitch:       s.SpeechPitch,
		AutoSaveExchanges: s.AutoSave(),
	}
}

// SettingsView is Settings with the credential replaced by a presence flag.
type SettingsView struct {
	HasCredential     bool    `json:"has_credential"`
	VoiceID           string  `json:"voice_id,omitempty"`
	SpeechRate        float64 `json:"speech_rate"`
	SpeechPitch       float64 `json:"speech_pitch"`
	AutoSaveExchanges bool    `json:"auto_save_exchanges"`
}
