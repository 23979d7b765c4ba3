package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// RemoteFlags selects a running daemon instead of the local host.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type GroupsFlags struct {
	Order  string
	Search string
	Output string
	RemoteFlags
}

type SuggestFlags struct {
	Mode string
}

type CandidatesFlags struct {
	Exclude []string
	Output  string
	RemoteFlags
}

type SweepFlags struct {
	Mode   string
	Output string
	RemoteFlags
}

type CloseFlags struct {
	Name   string
	Mode   string
	Output string
	RemoteFlags
}

type MonitorFlags struct {
	Interval time.Duration
	Count    int
	Output   string
}

type ServeFlags struct {
	Listen   string
	BasePath string
}

type CollectFlags struct {
	Duration time.Duration
	Interval time.Duration
	Output   string
}

type TrainFlags struct {
	Corpus string
	Model  string
}

type ModelFlags struct {
	Output string
	RemoteFlags
}
