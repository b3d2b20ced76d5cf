package migration

import "strings"

// EntityStatus is the migration status of one tracked entity.
type EntityStatus string

const (
	EntityNotStarted EntityStatus = "not_started"
	EntityInProgress EntityStatus = "in_progress"
	EntityCompleted  EntityStatus = "completed"
	EntityValidated  EntityStatus = "validated"
	EntityFailed     EntityStatus = "failed"
	EntityRolledBack EntityStatus = "rolled_back"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case EntityNotStarted, EntityInProgress, EntityCompleted, EntityValidated, EntityFailed, EntityRolledBack:
		return true
	}
	return false
}

// Reopenable reports whether a new saga may move the entity back into progress.
func (s EntityStatus) Reopenable() bool {
	return s == EntityNotStarted || s == EntityFailed || s == EntityRolledBack
}

// Location is where the authoritative copy of an entity lives.
type Location string

const (
	LocationSource    Location = "source_system"
	LocationInTransit Location = "in_transit"
	LocationTarget    Location = "target_system"
)

func (l Location) Valid() bool {
	switch l {
	case LocationSource, LocationInTransit, LocationTarget:
		return true
	}
	return false
}

// SagaStatus is the lifecycle status of one saga execution.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
)

// Terminal reports whether the saga will not make further progress on its own.
// A completed saga can still be compensated explicitly by a wave rollback.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// Succeeded reports whether the saga finished its forward path.
func (s SagaStatus) Succeeded() bool {
	return s == SagaCompleted
}

// WaveStatus is the lifecycle status of a wave.
type WaveStatus string

const (
	WavePlanning      WaveStatus = "planning"
	WaveScheduled     WaveStatus = "scheduled"
	WaveExecuting     WaveStatus = "executing"
	WaveCompleted     WaveStatus = "completed"
	WaveGatedFailure  WaveStatus = "gated-failure"
	WaveRolledBack    WaveStatus = "rolled_back"
	waveStatusUnknown WaveStatus = ""
)

// CanExecute reports whether a wave in this status may start executing.
func (s WaveStatus) CanExecute() bool {
	return s == WavePlanning || s == WaveScheduled
}

// CanRollback reports whether a wave in this status may be rolled back.
func (s WaveStatus) CanRollback() bool {
	return s == WaveCompleted || s == WaveGatedFailure
}

// ParseEntityStatus normalizes user input into an EntityStatus.
func ParseEntityStatus(raw string) (EntityStatus, bool) {
	s := EntityStatus(normalizeToken(raw))
	return s, s.Valid()
}

// ParseLocation normalizes user input into a Location.
func ParseLocation(raw string) (Location, bool) {
	l := Location(normalizeToken(raw))
	return l, l.Valid()
}

// ParseWaveStatus normalizes user input into a WaveStatus.
func ParseWaveStatus(raw string) (WaveStatus, bool) {
	switch s := WaveStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case WavePlanning, WaveScheduled, WaveExecuting, WaveCompleted, WaveGatedFailure, WaveRolledBack:
		return s, true
	}
	return waveStatusUnknown, false
}

func normalizeToken(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(raw, "-", "_")
}
