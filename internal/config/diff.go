package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged    bool
	NewVoice        string
	LanguageChanged bool
	NewLanguage     string

	// RestartRequired lists the sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.LanguageChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Call.Voice != new.Call.Voice && new.Call.Voice != "" {
		d.VoiceChanged = true
		d.NewVoice = new.Call.Voice
	}
	if old.Call.Language != new.Call.Language && new.Call.Language != "" {
		d.LanguageChanged = true
		d.NewLanguage = new.Call.Language
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.API != new.API {
		d.RestartRequired = append(d.RestartRequired, "api")
	}
	if old.Call.TenantID != new.Call.TenantID || old.Call.BotID != new.Call.BotID || old.Call.UserID != new.Call.UserID {
		d.RestartRequired = append(d.RestartRequired, "call")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect || old.Keepalive != new.Keepalive {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Transcripts != new.Transcripts {
		d.RestartRequired = append(d.RestartRequired, "transcripts")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameAudio ignores Options, which are backend specific and compared by the
// backend itself on restart.
func sameAudio(a, b AudioConfig) bool {
	return a.Backend == b.Backend &&
		a.SampleRate == b.SampleRate &&
		a.OutputSampleRate == b.OutputSampleRate &&
		a.ChunkSamples == b.ChunkSamples
}
