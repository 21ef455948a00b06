package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one structured event in the audit stream.
type AuditEventType string

const (
	AuditReloadComplete AuditEventType = "reload_complete"
	AuditReloadFailed   AuditEventType = "reload_failed"
	AuditCallFailed     AuditEventType = "call_failed"
	AuditInstanceSwap   AuditEventType = "instance_swap"
)

// AuditEvent is a single audit record. Zero fields are omitted.
type AuditEvent struct {
	EventType  AuditEventType
	Unit       string
	Generation uint64
	Duration   time.Duration
	Success    bool
	Error      string
	Fields     map[string]interface{}
}

// AuditLogger writes audit events through the audit category logger.
type AuditLogger struct {
	unit string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithUnit returns an audit logger that fills in Unit by default.
func AuditWithUnit(unit string) *AuditLogger {
	return &AuditLogger{unit: unit}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Unit == "" {
		event.Unit = a.unit
	}
	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Bool("success", event.Success),
	}
	if event.Unit != "" {
		fields = append(fields, zap.String("unit", event.Unit))
	}
	if event.Generation != 0 {
		fields = append(fields, zap.Uint64("generation", event.Generation))
	}
	if event.Duration != 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	Get(CategoryAudit).Zap().Info("audit", fields...)
}

// ReloadComplete records the outcome of one unit reload.
func (a *AuditLogger) ReloadComplete(unit string, generation uint64, d time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditReloadComplete,
		Unit:       unit,
		Generation: generation,
		Duration:   d,
		Success:    err == nil,
	}
	if err != nil {
		ev.EventType = AuditReloadFailed
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// CallFailed records a captured failure of a guarded call.
func (a *AuditLogger) CallFailed(unit, category string, err error) {
	a.Log(AuditEvent{
		EventType: AuditCallFailed,
		Unit:      unit,
		Error:     err.Error(),
		Fields:    map[string]interface{}{"category": category},
	})
}

// InstanceSwap records a launcher replacing its target instance.
func (a *AuditLogger) InstanceSwap(unit string, generation uint64, preserved int) {
	a.Log(AuditEvent{
		EventType:  AuditInstanceSwap,
		Unit:       unit,
		Generation: generation,
		Success:    true,
		Fields:     map[string]interface{}{"fields_preserved": preserved},
	})
}
