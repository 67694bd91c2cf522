package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/electricity-meter-portal/internal/anomaly"
	"github.com/septivank/electricity-meter-portal/internal/archive"
	"github.com/septivank/electricity-meter-portal/internal/maintenance"
	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/internal/validator"
	"go.uber.org/zap"
)

// Clock supplies wall-clock time
type Clock interface {
	Now() time.Time
}

// ActionRecorder appends auditable actions to the action log
type ActionRecorder interface {
	Record(message string) error
}

// ArchiveMirror receives each completed backup, e.g. to copy it into a database
type ArchiveMirror interface {
	MirrorBackup(ctx context.Context, report archive.Report, archivedAt time.Time) error
}

// PortalConfig holds the Portal's dependencies
type PortalConfig struct {
	LiveStore    *store.LiveStore
	ArchiveStore *archive.Store
	Maintenance  *maintenance.Controller
	Validator    *validator.Validator
	Detector     *anomaly.Detector
	Recorder     ActionRecorder
	Publisher    EventPublisher
	// Mirror is optional.
	Mirror ArchiveMirror
	Clock  Clock
	Logger *zap.Logger

	QueryTolerance time.Duration
	HistoryWindow  int
}

// Portal owns the in-memory meter records and the maintenance flag. Every
// operation holds mu for its whole read-modify-persist cycle.
type Portal struct {
	mu            sync.Mutex
	records       store.Records
	backupPending bool

	live      *store.LiveStore
	archive   *archive.Store
	maint     *maintenance.Controller
	validator *validator.Validator
	detector  *anomaly.Detector
	recorder  ActionRecorder
	publisher EventPublisher
	mirror    ArchiveMirror
	clock     Clock
	logger    *zap.Logger

	queryTolerance time.Duration
	historyWindow  int
}

// NewPortal loads the live store and returns a ready Portal. A corrupt live
// file is an error; an absent one starts empty.
func NewPortal(cfg PortalConfig) (*Portal, error) {
	records, status, err := cfg.LiveStore.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load meter records: %w", err)
	}
	if _, _, err := cfg.ArchiveStore.Load(); err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}

	p := &Portal{
		records:        records,
		live:           cfg.LiveStore,
		archive:        cfg.ArchiveStore,
		maint:          cfg.Maintenance,
		validator:      cfg.Validator,
		detector:       cfg.Detector,
		recorder:       cfg.Recorder,
		publisher:      cfg.Publisher,
		mirror:         cfg.Mirror,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		queryTolerance: cfg.QueryTolerance,
		historyWindow:  cfg.HistoryWindow,
	}
	if p.publisher == nil {
		p.publisher = NopPublisher{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.historyWindow <= 0 {
		p.historyWindow = 10
	}

	p.logger.Info("meter records loaded",
		zap.String("path", cfg.LiveStore.Path()),
		zap.String("status", status.String()),
		zap.Int("meters", len(records)),
	)
	return p, nil
}

// Status is the maintenance flag as exposed on /stop_server
type Status struct {
	StopServer bool   `json:"stop_server"`
	Mode       string `json:"mode"`
}

// Status re-evaluates the maintenance flag against the clock
func (p *Portal) Status(ctx context.Context) Status {
	p.mu.Lock()
	tr, f := p.refreshLocked()
	p.mu.Unlock()

	p.finish(ctx, f)
	return Status{StopServer: tr.Active, Mode: string(tr.Mode)}
}

// ToggleMaintenance forces the flag to the opposite of its current value
func (p *Portal) ToggleMaintenance(ctx context.Context) Status {
	return p.operate(ctx, "toggled", func() maintenance.Transition {
		if p.maint.Evaluate(p.clock.Now()).Entered {
			p.backupPending = true
		}
		return p.maint.Toggle()
	})
}

// SetMaintenance forces the flag to value
func (p *Portal) SetMaintenance(ctx context.Context, value bool) Status {
	return p.operate(ctx, "set", func() maintenance.Transition {
		return p.maint.Set(value)
	})
}

// ResetMaintenance drops the operator override; the flag follows the clock again
func (p *Portal) ResetMaintenance(ctx context.Context) Status {
	return p.operate(ctx, "reset", func() maintenance.Transition {
		return p.maint.Reset(p.clock.Now())
	})
}

func (p *Portal) operate(ctx context.Context, action string, change func() maintenance.Transition) Status {
	p.mu.Lock()
	tr := change()
	if tr.Entered {
		p.backupPending = true
	}
	f := &followUp{}
	p.runPendingBackupLocked(f)
	p.record(fmt.Sprintf("Maintenance %s: stop_server=%t (%s)", action, tr.Active, tr.Mode))
	p.mu.Unlock()

	p.finish(ctx, f)
	p.logger.Info("maintenance flag changed",
		zap.String("action", action),
		zap.Bool("stop_server", tr.Active),
		zap.String("mode", string(tr.Mode)),
	)
	return Status{StopServer: tr.Active, Mode: string(tr.Mode)}
}

// Snapshot returns a deep copy of the live records
func (p *Portal) Snapshot() store.Records {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records.Clone()
}

// followUp collects work that must happen after mu is released
type followUp struct {
	events   []pendingEvent
	backup   *archive.Report
	backupAt time.Time
}

func (f *followUp) publish(routingKey string, event interface{}) {
	f.events = append(f.events, pendingEvent{routingKey: routingKey, event: event})
}

// refreshLocked recomputes the flag and runs the backup on a false-to-true edge.
// A failed backup stays pending and is retried on the next evaluation.
func (p *Portal) refreshLocked() (maintenance.Transition, *followUp) {
	tr := p.maint.Evaluate(p.clock.Now())
	if tr.Entered {
		p.backupPending = true
	}
	f := &followUp{}
	p.runPendingBackupLocked(f)
	return tr, f
}

func (p *Portal) runPendingBackupLocked(f *followUp) {
	if !p.backupPending {
		return
	}

	report, err := p.archive.BackupAndClear(p.records, p.live)
	if err != nil {
		p.logger.Error("backup failed, will retry", zap.Error(err), zap.String("archive", p.archive.Path()))
		return
	}
	p.backupPending = false

	now := p.clock.Now()
	p.record(fmt.Sprintf("Backup completed: %d readings archived from %d meters", report.TotalAppended, len(report.Meters)))
	p.logger.Info("backup completed",
		zap.Int("meters", len(report.Meters)),
		zap.Int("readings_archived", report.TotalAppended),
		zap.Int("duplicates_skipped", report.TotalSkipped),
	)

	f.backup = &report
	f.backupAt = now
	f.publish(RoutingKeyBackupCompleted, BackupCompletedEvent{
		EventID:       uuid.NewString(),
		Meters:        len(report.Meters),
		ReadingsMoved: report.TotalAppended,
		Duplicates:    report.TotalSkipped,
		CompletedAt:   now,
	})
}

// record writes an action line; failures are logged, never returned to the caller
func (p *Portal) record(message string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(message); err != nil {
		p.logger.Error("failed to write action log", zap.Error(err), zap.String("action", message))
	}
}

// finish mirrors a completed backup and publishes collected events
func (p *Portal) finish(ctx context.Context, f *followUp) {
	if f == nil {
		return
	}
	if f.backup != nil && p.mirror != nil {
		if err := p.mirror.MirrorBackup(ctx, *f.backup, f.backupAt); err != nil {
			// The archive file is the system of record; a failed mirror is not fatal
			p.logger.Error("failed to mirror backup", zap.Error(err))
		}
	}
	for _, e := range f.events {
		if err := p.publisher.Publish(ctx, e.routingKey, e.event); err != nil {
			// Log error but don't fail the operation
			p.logger.Error("failed to publish event",
				zap.Error(err),
				zap.String("routing_key", e.routingKey),
			)
		}
	}
}
