package pipeline

import (
	"errors"
	"fmt"
)

// ErrSyncInProgress is returned when a target already has a run in flight
var ErrSyncInProgress = errors.New("sync already in progress")

// Stage names the step of a run that failed
type Stage string

const (
	StageFetch           Stage = "fetch"
	StageDiscovery       Stage = "discovery"
	StageConsolidation   Stage = "consolidation"
	StageEnrichment      Stage = "enrichment"
	StageMaterialization Stage = "materialization"
)

// StageError is a run failure attributed to a stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
