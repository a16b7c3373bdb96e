// Package daq implements the stf_datataking workflow executor: the DAQ
// state machine of spec §4.5.1. It drives a deterministic sequence
// (no_beam/not_ready -> beam/not_ready -> beam/ready -> run/physics loop
// -> run/standby -> beam/not_ready -> no_beam/not_ready), broadcasting
// lifecycle messages on /topic/epictopic and emitting stf_gen records
// during each physics period.
package daq

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

// Destination is the broadcast topic every DAQ lifecycle message and
// stf_gen record is published to.
const Destination = "/topic/epictopic"

// WorkflowName is the registry key this executor binds to.
const WorkflowName = "stf_datataking"

type params struct {
	noBeamNotReadyDelay  time.Duration
	broadcastDelay       time.Duration
	beamNotReadyDelay    time.Duration
	beamReadyDelay       time.Duration
	physicsPeriodCount   int
	physicsPeriodDuration time.Duration
	stfInterval          time.Duration
	stfCount             int
	standbyDuration      time.Duration
	beamNotReadyEndDelay time.Duration
}

// Executor is the stf_datataking workflow implementation.
type Executor struct {
	rc     *executor.RunContext
	params params

	runID  int
	stfSeq int
}

// New constructs a fresh, unconfigured Executor. Bind via
// executor.Registry.Register(daq.WorkflowName, daq.New).
func New() executor.Executor {
	return &Executor{}
}

// Initialize resolves the [daq_state_machine] config section.
func (e *Executor) Initialize(rc *executor.RunContext) error {
	e.rc = rc
	section := executor.Params(rc.Config.Section("daq_state_machine"))

	e.params = params{
		noBeamNotReadyDelay:   section.Seconds("no_beam_not_ready_delay", 5*time.Second),
		broadcastDelay:        section.Seconds("broadcast_delay", 100*time.Millisecond),
		beamNotReadyDelay:     section.Seconds("beam_not_ready_delay", 2*time.Second),
		beamReadyDelay:        section.Seconds("beam_ready_delay", 1*time.Second),
		physicsPeriodCount:    section.Int("physics_period_count", 0),
		physicsPeriodDuration: section.Seconds("physics_period_duration", 60*time.Second),
		stfInterval:           section.Seconds("stf_interval", time.Second),
		stfCount:              section.Int("stf_count", 0),
		standbyDuration:       section.Seconds("standby_duration", 5*time.Second),
		beamNotReadyEndDelay:  section.Seconds("beam_not_ready_end_delay", 2*time.Second),
	}
	return nil
}

// Execute runs the DAQ state machine to completion, to cooperative
// stop (returns control.ErrStopped), or to failure.
func (e *Executor) Execute(ctx context.Context) error {
	runID, err := e.rc.Monitor.NextRunNumber(ctx)
	if err != nil {
		return fmt.Errorf("allocating run number: %w", err)
	}
	e.runID = runID

	substate := "not_ready"
	row := monitorclient.RunStateDTO{
		RunNumber: runID,
		Phase:     string(core.RunPhaseInitializing),
		State:     "no_beam",
		Substate:  &substate,
		Counters:  map[string]int{},
	}
	if err := e.rc.Monitor.CreateRunState(ctx, row); err != nil {
		e.rc.Logger.Warn("run-state creation failed, continuing without a Monitor record", "error", err)
	}

	// State 1: no_beam / not_ready.
	if err := e.rc.Env.Wait(ctx, e.params.noBeamNotReadyDelay); err != nil {
		return err
	}

	// State 2: beam / not_ready. Broadcast run_imminent.
	if err := e.broadcast(ctx, events.TypeRunImminent, map[string]any{
		"state": "beam", "substate": "not_ready",
	}); err != nil {
		e.rc.Logger.Warn("run_imminent broadcast failed", "error", err)
	}
	if err := e.rc.Env.Wait(ctx, e.params.broadcastDelay+e.params.beamNotReadyDelay); err != nil {
		return err
	}

	// State 3: beam / ready.
	if err := e.rc.Env.Wait(ctx, e.params.beamReadyDelay); err != nil {
		return err
	}

	if err := e.physicsPeriods(ctx); err != nil {
		return err
	}

	// State n+1: beam / not_ready. Broadcast end_run.
	if err := e.broadcast(ctx, events.TypeEndRun, map[string]any{
		"state": "beam", "substate": "not_ready", "total_stf_files": e.stfSeq,
	}); err != nil {
		e.rc.Logger.Warn("end_run broadcast failed", "error", err)
	}
	if err := e.rc.Env.Wait(ctx, e.params.beamNotReadyEndDelay); err != nil {
		return err
	}

	// State n+2: no_beam / not_ready. Terminal.
	return nil
}

func (e *Executor) physicsPeriods(ctx context.Context) error {
	for period := 0; e.params.physicsPeriodCount == 0 || period < e.params.physicsPeriodCount; period++ {
		msgType := events.TypeStartRun
		if period > 0 {
			msgType = events.TypeResumeRun
		}
		if err := e.broadcast(ctx, msgType, map[string]any{
			"state": "run", "substate": "physics",
		}); err != nil {
			e.rc.Logger.Warn("physics-entry broadcast failed", "msg_type", msgType, "error", err)
		}

		if err := e.physicsPeriod(ctx); err != nil {
			return err
		}

		last := e.params.physicsPeriodCount > 0 && period == e.params.physicsPeriodCount-1
		if last {
			break
		}

		// Mid state: run / standby, between periods.
		if err := e.broadcast(ctx, events.TypePauseRun, map[string]any{
			"state": "run", "substate": "standby", "reason": "inter_period_standby",
		}); err != nil {
			e.rc.Logger.Warn("pause_run broadcast failed", "error", err)
		}
		if err := e.rc.Env.Wait(ctx, e.params.standbyDuration); err != nil {
			return err
		}
	}
	return nil
}

// physicsPeriod emits stf_gen exactly stfCount times (spacing stfInterval)
// if stfCount > 0, otherwise emits on every stfInterval tick until
// physicsPeriodDuration has elapsed (spec §4.5.1).
func (e *Executor) physicsPeriod(ctx context.Context) error {
	if e.params.stfCount > 0 {
		for i := 0; i < e.params.stfCount; i++ {
			if err := e.emitSTF(ctx); err != nil {
				return err
			}
			if err := e.rc.Env.Wait(ctx, e.params.stfInterval); err != nil {
				return err
			}
		}
		return nil
	}

	var elapsed time.Duration
	for elapsed < e.params.physicsPeriodDuration {
		if err := e.emitSTF(ctx); err != nil {
			return err
		}
		if err := e.rc.Env.Wait(ctx, e.params.stfInterval); err != nil {
			return err
		}
		elapsed += e.params.stfInterval
	}
	return nil
}

func (e *Executor) emitSTF(ctx context.Context) error {
	e.stfSeq++
	filename := fmt.Sprintf("swf.%d.%06d.stf", e.runID, e.stfSeq)
	err := e.broadcast(ctx, events.TypeSTFGen, map[string]any{
		"filename": filename,
		"sequence": e.stfSeq,
		"state":    "run",
		"substate": "physics",
	})
	if err != nil {
		e.rc.Logger.Warn("stf_gen broadcast failed", "filename", filename, "error", err)
	}
	return nil
}

func (e *Executor) broadcast(ctx context.Context, msgType string, fields map[string]any) error {
	return e.rc.Broadcast.Broadcast(ctx, Destination, msgType, e.runID, fields)
}
