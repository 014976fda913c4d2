package app

import "log/slog"

// Notifier is how the app talks back to the user outside of cache state
type Notifier interface {
	// PromptSignIn asks the user to sign in before retrying an action
	PromptSignIn()
	// Alert reports a failed write
	Alert(message string)
}

type logNotifier struct {
	log *slog.Logger
}

// NewLogNotifier reports prompts and alerts through the logger
func NewLogNotifier(log *slog.Logger) Notifier {
	return &logNotifier{log: log}
}

func (n *logNotifier) PromptSignIn() {
	n.log.Info("sign in required")
}

func (n *logNotifier) Alert(message string) {
	n.log.Warn("alert", "message", message)
}
