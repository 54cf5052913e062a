package main

import "time"

// version is overridden at build time via -ldflags.
var version = "dev"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	Debug      bool
}

// OrchestratorFlags holds flags for the orchestrator command.
type OrchestratorFlags struct {
	Foreground bool
	ExitOnIdle bool
	CrawlID    string
}

// WorkerFlags holds flags for the worker command.
type WorkerFlags struct {
	Type       string
	CrawlID    string
	SnapshotID string
}

// AddFlags holds flags for the add command.
type AddFlags struct {
	Depth int
}

// InstallFlags holds flags for the install command.
type InstallFlags struct {
	BinProviders string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen   string
	BasePath string
}

// PruneFlags holds flags for the prune command.
type PruneFlags struct {
	OlderThan time.Duration
}
