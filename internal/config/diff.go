package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (strategy, providers, artifact, storage) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CORSChanged    bool
	NewCORSOrigins []string

	SpeakersChanged bool
	NewSpeakers     int

	// RestartRequired lists the top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Empty reports whether the diff contains no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CORSChanged && !d.SpeakersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.CORSChanged = true
		d.NewCORSOrigins = slices.Clone(new.Server.CORSOrigins)
	}
	if old.Diarization.Speakers != new.Diarization.Speakers {
		d.SpeakersChanged = true
		d.NewSpeakers = new.Diarization.Speakers
	}

	if old.Server.Addr() != new.Server.Addr() || old.Server.MaxUploadBytes != new.Server.MaxUploadBytes {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	od, nd := old.Diarization, new.Diarization
	od.Speakers, nd.Speakers = 0, 0
	if od != nd {
		d.RestartRequired = append(d.RestartRequired, "diarization")
	}
	if !sameEntry(old.Embedding.ProviderEntry, new.Embedding.ProviderEntry) || old.Embedding.SampleRate != new.Embedding.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "embedding")
	}
	if !sameEntry(old.Transcription.ProviderEntry, new.Transcription.ProviderEntry) ||
		!slices.EqualFunc(old.Transcription.Fallbacks, new.Transcription.Fallbacks, sameEntry) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Classifier != new.Classifier {
		d.RestartRequired = append(d.RestartRequired, "classifier")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// ignored.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
