package processors

import (
	"fmt"
	"time"
)

// Processor names.
const (
	NameOpen                = "open"
	NameSpawning            = "spawning"
	NameFulfilled           = "fulfilled"
	NameUnableToCheckStatus = "unable_to_check_status"
	NameAssignedForDeletion = "assigned_for_deletion"
	NameCheckingDeletion    = "checking_deletion"
	NameClosed              = "closed"
	NameRemoteSync          = "remote_sync"
)

// Config holds the poll intervals and pass settings of the processors.
type Config struct {
	Open                time.Duration `yaml:"open" json:"open" validate:"gt=0"`
	Spawning            time.Duration `yaml:"spawning" json:"spawning" validate:"gt=0"`
	Fulfilled           time.Duration `yaml:"fulfilled" json:"fulfilled" validate:"gt=0"`
	UnableToCheckStatus time.Duration `yaml:"unable_to_check_status" json:"unable_to_check_status" validate:"gt=0"`
	AssignedForDeletion time.Duration `yaml:"assigned_for_deletion" json:"assigned_for_deletion" validate:"gt=0"`
	CheckingDeletion    time.Duration `yaml:"checking_deletion" json:"checking_deletion" validate:"gt=0"`
	Closed              time.Duration `yaml:"closed" json:"closed" validate:"gt=0"`
	RemoteSync          time.Duration `yaml:"remote_sync" json:"remote_sync" validate:"gt=0"`

	// Workers is the number of orders a processor works on concurrently within a pass.
	Workers int `yaml:"workers" json:"workers" validate:"min=1,max=64"`

	// MaxRestarts bounds how often a pass restarts its selection while the list changes.
	MaxRestarts int `yaml:"max_restarts" json:"max_restarts" validate:"min=0"`
}

// DefaultConfig returns the intervals used when none are configured.
func DefaultConfig() Config {
	return Config{
		Open:                time.Second,
		Spawning:            5 * time.Second,
		Fulfilled:           30 * time.Second,
		UnableToCheckStatus: 10 * time.Second,
		AssignedForDeletion: 2 * time.Second,
		CheckingDeletion:    5 * time.Second,
		Closed:              time.Minute,
		RemoteSync:          10 * time.Second,
		Workers:             1,
		MaxRestarts:         5,
	}
}

// Interval returns the poll interval of the named processor.
func (c Config) Interval(name string) (time.Duration, error) {
	switch name {
	case NameOpen:
		return c.Open, nil
	case NameSpawning:
		return c.Spawning, nil
	case NameFulfilled:
		return c.Fulfilled, nil
	case NameUnableToCheckStatus:
		return c.UnableToCheckStatus, nil
	case NameAssignedForDeletion:
		return c.AssignedForDeletion, nil
	case NameCheckingDeletion:
		return c.CheckingDeletion, nil
	case NameClosed:
		return c.Closed, nil
	case NameRemoteSync:
		return c.RemoteSync, nil
	default:
		return 0, fmt.Errorf("unknown processor %q", name)
	}
}
