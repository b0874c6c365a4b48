package workers

import "tgvmax_archiver/models"

// LogFunc is a function that logs to the refresh_logs table
type LogFunc func(level models.LogLevel, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, message string) {}
