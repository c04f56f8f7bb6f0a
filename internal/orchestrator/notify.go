package orchestrator

import "log"

// Notifier surfaces write outcomes to the user.
type Notifier interface {
	// Warn shows a non-blocking warning.
	Warn(recordID string, err error)
	// Error shows a blocking error.
	Error(recordID string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Warn(recordID string, err error) {
	n.Logger.Printf("Warning: row %s: %v (the change may still be saved)", recordID, err)
}

func (n LogNotifier) Error(recordID string, err error) {
	n.Logger.Printf("Error: row %s: %v (change reverted)", recordID, err)
}
