package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GlossaryChanged is true when the transcript-correction vocabulary
	// changed. Applies to turns finished after the reload.
	GlossaryChanged bool
	NewGlossary     []string

	// InstructionsChanged is true when the tutor system prompt changed.
	// Takes effect on the next (re)connect, not mid-session.
	InstructionsChanged bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GlossaryChanged || d.InstructionsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Tutor.Glossary, new.Tutor.Glossary) {
		d.GlossaryChanged = true
		d.NewGlossary = slices.Clone(new.Tutor.Glossary)
	}

	if old.Tutor.Instructions != new.Tutor.Instructions {
		d.InstructionsChanged = true
	}

	return d
}
