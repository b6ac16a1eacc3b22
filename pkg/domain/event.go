package domain

import "time"

type EventType string

const (
	EventExperimentCreated EventType = "experiment.created"
	EventPhaseChanged      EventType = "experiment.phase_changed"
	EventStopRequested     EventType = "experiment.stop_requested"
	EventKPIComputed       EventType = "experiment.kpi_computed"
	EventDeploymentChanged EventType = "deployment.state_changed"
	EventCommandSent       EventType = "deployment.command_sent"
	EventCommandFailed     EventType = "deployment.command_failed"
)

func (et EventType) String() string {
	return string(et)
}

// Event is an audit record of an experiment.
type Event struct {
	// Sequence number assigned by the store. It increases in order of appending.
	Seq          int64
	ExperimentId string
	Type         EventType
	Payload      map[string]string
	At           time.Time
}
