package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/platform/dbctx"
	"github.com/coreflowhq/coreflow/internal/platform/logger"
)

// jobRow is the Postgres row backing both the "queue" and "journal"
// logical collections of spec.md §6 ("Persisted layout"). The typed
// columns (state/priority/query_at/enqueued_at/name) exist so the claim
// query can sort and filter with real indexes; doc carries the full
// jobqueue.Record losslessly, the way a document-store row would, via
// gorm.io/datatypes.JSON the same way the teacher stores jsonb payloads.
type jobRow struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Name       string         `gorm:"column:name;index:idx_job_name_state"`
	State      string         `gorm:"column:state;index:idx_job_name_state;index:idx_job_claim"`
	ArgsHash   string         `gorm:"column:args_hash;index"`
	Priority   int            `gorm:"column:priority;index:idx_job_claim"`
	EnqueuedAt time.Time      `gorm:"column:enqueued_at;index:idx_job_claim"`
	QueryAt    time.Time      `gorm:"column:query_at;index:idx_job_claim"`
	Doc        datatypes.JSON `gorm:"column:doc"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (jobRow) TableName() string { return "job_queue" }

// journalRow is jobRow's twin for the append-only terminal-job table; GORM
// needs a distinct Go type per table name.
type journalRow jobRow

func (journalRow) TableName() string { return "job_journal" }

type lockTableRow struct {
	JobID    string    `gorm:"column:job_id;primaryKey"`
	WorkerID string    `gorm:"column:worker_id"`
	LockedAt time.Time `gorm:"column:locked_at"`
}

func (lockTableRow) TableName() string { return "job_lock" }

type daemonRow struct {
	Name      string    `gorm:"column:name;primaryKey"`
	Kind      string    `gorm:"column:kind"`
	PID       int       `gorm:"column:pid"`
	Hostname  string    `gorm:"column:hostname"`
	StartedAt time.Time `gorm:"column:started_at"`
	Loop      int64     `gorm:"column:loop"`
	LoopTime  time.Time `gorm:"column:loop_time"`
	Heartbeat time.Time `gorm:"column:heartbeat"`
	Halted    bool      `gorm:"column:halted"`
}

func (daemonRow) TableName() string { return "daemon_record" }

type maintenanceRow struct {
	Project   string    `gorm:"column:project;primaryKey"`
	Enabled   bool      `gorm:"column:enabled"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (maintenanceRow) TableName() string { return "maintenance_flag" }

type haltRow struct {
	ID      int  `gorm:"column:id;primaryKey"`
	Enabled bool `gorm:"column:enabled"`
}

func (haltRow) TableName() string { return "halt_flag" }

type stdoutTableRow struct {
	JobID     string    `gorm:"column:job_id;primaryKey"`
	Stdout    string    `gorm:"column:stdout"`
	Stderr    string    `gorm:"column:stderr"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (stdoutTableRow) TableName() string { return "job_stdout" }

// AutoMigrate creates or updates every table the Postgres Adapter needs.
// Intended to be called once at daemon startup.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&jobRow{}, &journalRow{}, &lockTableRow{}, &daemonRow{},
		&maintenanceRow{}, &haltRow{}, &stdoutTableRow{},
	)
}

// Postgres is the Store Adapter backed by Postgres via GORM, standing in
// for the "document database offering atomic find-and-modify ... sorted
// queries" spec.md §1 assumes. Grounded on
// `repos_jobs/job_run.go`'s JobRunRepo: the same `dbctx.Context`-threaded,
// transaction-or-base-handle pattern, the same `clause.Locking{Strength:
// "UPDATE", Options: "SKIP LOCKED"}` claim primitive, and the same
// `UpdateFieldsUnlessStatus`-shaped conditional update.
type Postgres struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgres wires a Postgres adapter over an already-connected *gorm.DB.
func NewPostgres(db *gorm.DB, log *logger.Logger) *Postgres {
	return &Postgres{db: db, log: log.With("component", "store.Postgres")}
}

func (p *Postgres) tx(ctx context.Context) *gorm.DB {
	return dbctx.Background(p.db).WithContext(ctx).DB()
}

func (p *Postgres) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := p.tx(ctx).Raw("SELECT now()").Scan(&now).Error; err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func toRow(rec *jobqueue.Record) (*jobRow, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:         rec.ID.String(),
		Name:       rec.Name,
		State:      string(rec.State),
		ArgsHash:   jobqueue.ArgsHash(rec.Name, rec.Args),
		Priority:   rec.Priority,
		EnqueuedAt: rec.Enqueued.At,
		QueryAt:    rec.QueryAt,
		Doc:        datatypes.JSON(doc),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

func fromRow(doc datatypes.JSON) (*jobqueue.Record, error) {
	var rec jobqueue.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) InsertJob(ctx context.Context, rec *jobqueue.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return p.tx(ctx).Create(row).Error
}

func (p *Postgres) GetJob(ctx context.Context, id jobqueue.ID) (*jobqueue.Record, error) {
	var row jobRow
	err := p.tx(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var jrow journalRow
		err2 := p.tx(ctx).Where("id = ?", id.String()).First(&jrow).Error
		if errors.Is(err2, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err2 != nil {
			return nil, err2
		}
		return fromRow(jrow.Doc)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row.Doc)
}

func (p *Postgres) FindActiveByNameArgsHash(ctx context.Context, name, argsHash string) (*jobqueue.Record, error) {
	var row jobRow
	err := p.tx(ctx).
		Where("name = ? AND args_hash = ?", name, argsHash).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row.Doc)
}

func (p *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*jobqueue.Record, error) {
	q := p.tx(ctx).Model(&jobRow{})
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		q = q.Where("state IN ?", states)
	}
	q = q.Order("priority ASC, enqueued_at ASC")

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*jobqueue.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row.Doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if filter.IncludeJournal {
		jq := p.tx(ctx).Model(&journalRow{})
		if filter.Name != "" {
			jq = jq.Where("name = ?", filter.Name)
		}
		if len(filter.States) > 0 {
			states := make([]string, len(filter.States))
			for i, s := range filter.States {
				states[i] = string(s)
			}
			jq = jq.Where("state IN ?", states)
		}
		var jrows []journalRow
		if err := jq.Find(&jrows).Error; err != nil {
			return nil, err
		}
		for _, row := range jrows {
			rec, err := fromRow(row.Doc)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *Postgres) UpdateFields(ctx context.Context, id jobqueue.ID, updates map[string]any) error {
	rec, err := p.GetJob(ctx, id)
	if err != nil {
		return err
	}
	applyUpdatesToRecord(rec, updates)
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return p.tx(ctx).Model(&jobRow{}).Where("id = ?", id.String()).Updates(map[string]any{
		"state":      row.State,
		"priority":   row.Priority,
		"query_at":   row.QueryAt,
		"doc":        row.Doc,
		"args_hash":  row.ArgsHash,
		"updated_at": time.Now(),
	}).Error
}

func (p *Postgres) UpdateFieldsUnlessState(ctx context.Context, id jobqueue.ID, disallowed []jobqueue.State, updates map[string]any) (bool, error) {
	applied := false
	err := p.tx(ctx).Transaction(func(txn *gorm.DB) error {
		var row jobRow
		q := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id.String())
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		for _, s := range disallowed {
			if row.State == string(s) {
				return nil
			}
		}
		rec, err := fromRow(row.Doc)
		if err != nil {
			return err
		}
		applyUpdatesToRecord(rec, updates)
		newRow, err := toRow(rec)
		if err != nil {
			return err
		}
		res := txn.Model(&jobRow{}).Where("id = ? AND state = ?", id.String(), row.State).Updates(map[string]any{
			"state":      newRow.State,
			"priority":   newRow.Priority,
			"query_at":   newRow.QueryAt,
			"doc":        newRow.Doc,
			"updated_at": time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ClaimNext implements the claim algorithm of spec.md §4.1 as a single
// SKIP LOCKED transaction: find the highest-priority, earliest-enqueued
// claimable row not gated by maintenance/halt (unless force), take a
// row lock, insert its mutual-exclusion lock record, and flip it to
// RUNNING, all before another connection can see the same row.
func (p *Postgres) ClaimNext(ctx context.Context, workerID string, now time.Time) (*jobqueue.Record, error) {
	var claimed *jobqueue.Record
	err := p.tx(ctx).Transaction(func(txn *gorm.DB) error {
		var globalHalt haltRow
		var globalMaint maintenanceRow
		_ = txn.Where("id = ?", 1).First(&globalHalt).Error
		_ = txn.Where("project = ?", "").First(&globalMaint).Error

		var rows []jobRow
		q := txn.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state IN ?", []string{string(jobqueue.Pending), string(jobqueue.Deferred), string(jobqueue.Failed)}).
			Where("query_at <= ? OR query_at IS NULL OR doc->>'force' = 'true'", now).
			Order("priority ASC, enqueued_at ASC").
			Limit(50)
		if err := q.Find(&rows).Error; err != nil {
			return err
		}

		for _, row := range rows {
			var lockCount int64
			txn.Model(&lockTableRow{}).Where("job_id = ?", row.ID).Count(&lockCount)
			if lockCount > 0 {
				continue
			}
			rec, err := fromRow(row.Doc)
			if err != nil {
				return err
			}
			if !rec.Force {
				if globalHalt.Enabled || globalMaint.Enabled {
					continue
				}
				var projMaint maintenanceRow
				if err := txn.Where("project = ?", projectOf(rec.Name)).First(&projMaint).Error; err == nil && projMaint.Enabled {
					continue
				}
			}

			res := txn.Create(&lockTableRow{JobID: row.ID, WorkerID: workerID, LockedAt: now})
			if res.Error != nil {
				continue
			}

			rec.State = jobqueue.Running
			rec.StartedAt = &now
			rec.Lock = &jobqueue.Lock{WorkerID: workerID, Heartbeat: now}
			newRow, err := toRow(rec)
			if err != nil {
				return err
			}
			upd := txn.Model(&jobRow{}).Where("id = ? AND state = ?", row.ID, row.State).Updates(map[string]any{
				"state":      newRow.State,
				"doc":        newRow.Doc,
				"updated_at": now,
			})
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected == 0 {
				txn.Where("job_id = ?", row.ID).Delete(&lockTableRow{})
				continue
			}
			claimed = rec
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func applyUpdatesToRecord(rec *jobqueue.Record, updates map[string]any) {
	for k, v := range updates {
		switch k {
		case "state":
			rec.State = v.(jobqueue.State)
		case "started_at":
			t := v.(time.Time)
			rec.StartedAt = &t
		case "finished_at":
			t := v.(time.Time)
			rec.FinishedAt = &t
		case "runtime":
			rec.Runtime = v.(float64)
		case "locked":
			if v == nil {
				rec.Lock = nil
			} else {
				l := v.(jobqueue.Lock)
				rec.Lock = &l
			}
		case "attempts_left":
			rec.AttemptsLeft = v.(int)
		case "query_at":
			rec.QueryAt = v.(time.Time)
		case "zombie_at":
			t := v.(time.Time)
			rec.ZombieAt = &t
		case "wall_at":
			t := v.(time.Time)
			rec.WallAt = &t
		case "removed_at":
			t := v.(time.Time)
			rec.RemovedAt = &t
		case "killed_at":
			t := v.(time.Time)
			rec.KilledAt = &t
		case "progress":
			rec.Progress = v.(jobqueue.Progress)
		case "updated_at":
			rec.UpdatedAt = v.(time.Time)
		}
	}
}

func (p *Postgres) InsertLockIfAbsent(ctx context.Context, id jobqueue.ID, workerID string, now time.Time) (bool, error) {
	res := p.tx(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lockTableRow{
		JobID: id.String(), WorkerID: workerID, LockedAt: now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (p *Postgres) DeleteLock(ctx context.Context, id jobqueue.ID) error {
	return p.tx(ctx).Where("job_id = ?", id.String()).Delete(&lockTableRow{}).Error
}

func (p *Postgres) ArchiveJob(ctx context.Context, id jobqueue.ID) error {
	return p.tx(ctx).Transaction(func(txn *gorm.DB) error {
		var row jobRow
		if err := txn.Where("id = ?", id.String()).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		jr := journalRow(row)
		if err := txn.Create(&jr).Error; err != nil {
			return err
		}
		if err := txn.Where("id = ?", id.String()).Delete(&jobRow{}).Error; err != nil {
			return err
		}
		return txn.Where("job_id = ?", id.String()).Delete(&lockTableRow{}).Error
	})
}

func (p *Postgres) UpsertDaemon(ctx context.Context, rec *DaemonRecord) error {
	row := daemonRow{
		Name: rec.Name, Kind: string(rec.Kind), PID: rec.PID, Hostname: rec.Hostname,
		StartedAt: rec.StartedAt, Loop: rec.Loop, LoopTime: rec.LoopTime,
		Heartbeat: rec.Heartbeat, Halted: rec.Halted,
	}
	return p.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "pid", "hostname", "loop", "loop_time", "heartbeat", "halted"}),
	}).Create(&row).Error
}

func (p *Postgres) DeleteDaemon(ctx context.Context, name string) error {
	return p.tx(ctx).Where("name = ?", name).Delete(&daemonRow{}).Error
}

func (p *Postgres) ListDaemons(ctx context.Context) ([]*DaemonRecord, error) {
	var rows []daemonRow
	if err := p.tx(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*DaemonRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &DaemonRecord{
			Name: r.Name, Kind: DaemonKind(r.Kind), PID: r.PID, Hostname: r.Hostname,
			StartedAt: r.StartedAt, Loop: r.Loop, LoopTime: r.LoopTime,
			Heartbeat: r.Heartbeat, Halted: r.Halted,
		})
	}
	return out, nil
}

func (p *Postgres) GetMaintenance(ctx context.Context, project string) (bool, error) {
	var row maintenanceRow
	err := p.tx(ctx).Where("project = ?", project).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Enabled, nil
}

func (p *Postgres) SetMaintenance(ctx context.Context, project string, enabled bool) error {
	row := maintenanceRow{Project: project, Enabled: enabled, UpdatedAt: time.Now()}
	return p.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&row).Error
}

func (p *Postgres) GetHalt(ctx context.Context) (bool, error) {
	var row haltRow
	err := p.tx(ctx).Where("id = ?", 1).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Enabled, nil
}

func (p *Postgres) SetHalt(ctx context.Context, enabled bool) error {
	row := haltRow{ID: 1, Enabled: enabled}
	return p.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled"}),
	}).Create(&row).Error
}

func (p *Postgres) SaveStdout(ctx context.Context, id jobqueue.ID, stdout, stderr string) error {
	row := stdoutTableRow{JobID: id.String(), Stdout: stdout, Stderr: stderr, UpdatedAt: time.Now()}
	return p.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"stdout", "stderr", "updated_at"}),
	}).Create(&row).Error
}

func (p *Postgres) GetStdout(ctx context.Context, id jobqueue.ID) (string, string, error) {
	var row stdoutTableRow
	err := p.tx(ctx).Where("job_id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return row.Stdout, row.Stderr, nil
}

var _ Adapter = (*Postgres)(nil)
