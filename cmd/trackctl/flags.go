package main

import "time"

// Output modes.
const (
	outputText = "text"
	outputJSON = "json"
)

// GlobalFlags holds the flags shared by every invocation.
type GlobalFlags struct {
	ConfigPath   string
	Output       string
	ReadyTimeout time.Duration
	Actor        string
	LogLevel     string
}
