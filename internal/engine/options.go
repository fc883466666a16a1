package engine

import "log/slog"

// Options configures the engine. Zero values receive defaults via sanitize.
type Options struct {
	// MaxTurns bounds model invocations per run. A run that still wants to
	// call tools after MaxTurns turns ends with a turn-limit finish.
	MaxTurns int

	// HistoryLimit caps how many stored messages are sent to the model.
	// Zero means the full history.
	HistoryLimit int

	// Model is the provider-specific model identifier.
	Model string

	// System is the system prompt prepended to every request.
	System string

	// MaxTokens bounds the model's output per invocation.
	MaxTokens int

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxTurns:  16,
		MaxTokens: 8192,
	}
}

// sanitize fills in unset fields.
func (o *Options) sanitize() {
	def := DefaultOptions()
	if o.MaxTurns <= 0 {
		o.MaxTurns = def.MaxTurns
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = def.MaxTokens
	}
	if o.HistoryLimit < 0 {
		o.HistoryLimit = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
