// domain package contains the Domain Models of pipelab.
//
// pipelab is a control plane for A/B testing of telemetry pipelines.
// It deploys a "baseline" and a "candidate" pipeline configuration to hosts,
// observes both over a bounded window, and compares their KPIs.
//
// `domain/ENTITY.go` has high-level entities (Domain Model types) and pure functions on them.
// For example, `domain/experiment.go` contains the `Experiment` entity and its state machine.
//
// `domain/ENTITY/db` directory contains the interface to persist the entity,
// and its implementations live under `domain/ENTITY/db/postgres`.
//
// # Entities
//
// - `experiment`: a comparison of two pipeline configurations over a set of hosts.
// Its phase goes Pending -> Deploying -> Running -> Monitoring -> Stopping -> Completed,
// or it drops into Failed / RolledBack.
// Phases are advanced by "ticks"; the orchestrator does not have background timers of its own.
//
// - `deployment`: one variant of an experiment on one host.
// Deployments are changed by status reports from agents.
//
// - `metric`: a time-series sample reported by an agent, tagged with experiment and variant.
// Samples are append-only.
//
// - `kpi`: comparison of the baseline and the candidate, computed from metric samples in a window.
//
// And others:
//
// - `command`: what the control plane asks agents to do (deploy, stop, rollback).
//
// - `event`: audit trail of an experiment.
package domain
