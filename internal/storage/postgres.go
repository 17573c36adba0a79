// internal/storage/postgres.go
// PostgreSQL implementation of the TenantStore interface. Each tenant
// (operating company) has its own database, so one pool is created per
// configured DSN.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/query"
)

type postgres struct {
	db *pgxpool.Pool // Connection pool to one tenant database
}

// captureColumns is the select list for vpicore.vpicapture, in CaptureRecord
// field order. Scan targets below must stay aligned with it.
const captureColumns = `objectid, dateadded, resourceid, workstationid, userid, starttime,
	gmtoffset, gmtstarttime, duration, triggeredbyresourcetypeid, triggeredbyobjectid,
	flagid, tags, sensitivitylevel, clientid, channelnum, channelname, extensionnum,
	agentid, pbxdnis, anialidigits, direction, mediafileid, mediamanagerid,
	mediaretention, callid, previouscallid, globalcallid, classofservice,
	classofservicedate, xplatformref, transcriptresult, warehouseobjectkey,
	transcriptstatus, audiochannels, hastalkover`

// NewPostgres creates a PostgreSQL tenant store.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - TenantStore: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (TenantStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings for optimal performance
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the capture tables and indexes if they don't already
// exist. In production the tables are populated by the upstream capture
// pipeline; this keeps fresh environments usable without manual setup.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE SCHEMA IF NOT EXISTS vpicore;

		-- Recording metadata written by the capture platform
		CREATE TABLE IF NOT EXISTS vpicore.vpicapture (
		    objectid UUID PRIMARY KEY,
		    dateadded TIMESTAMP NOT NULL,
		    resourceid TEXT NOT NULL DEFAULT '',
		    workstationid TEXT NOT NULL DEFAULT '',
		    userid UUID,
		    starttime TIMESTAMP NOT NULL,
		    gmtoffset INTEGER NOT NULL DEFAULT 0,
		    gmtstarttime TIMESTAMP,
		    duration INTEGER NOT NULL DEFAULT 0,
		    triggeredbyresourcetypeid INTEGER NOT NULL DEFAULT 0,
		    triggeredbyobjectid TEXT NOT NULL DEFAULT '',
		    flagid INTEGER NOT NULL DEFAULT 0,
		    tags TEXT NOT NULL DEFAULT '',
		    sensitivitylevel INTEGER NOT NULL DEFAULT 0,
		    clientid TEXT NOT NULL DEFAULT '',
		    channelnum INTEGER NOT NULL DEFAULT 0,
		    channelname TEXT NOT NULL DEFAULT '',
		    extensionnum TEXT NOT NULL DEFAULT '',
		    agentid TEXT NOT NULL DEFAULT '',
		    pbxdnis TEXT NOT NULL DEFAULT '',
		    anialidigits TEXT NOT NULL DEFAULT '',
		    direction TEXT NOT NULL DEFAULT '',
		    mediafileid TEXT NOT NULL DEFAULT '',
		    mediamanagerid TEXT NOT NULL DEFAULT '',
		    mediaretention INTEGER NOT NULL DEFAULT 0,
		    callid TEXT NOT NULL DEFAULT '',
		    previouscallid TEXT NOT NULL DEFAULT '',
		    globalcallid TEXT NOT NULL DEFAULT '',
		    classofservice INTEGER NOT NULL DEFAULT 0,
		    classofservicedate TIMESTAMP,
		    xplatformref TEXT NOT NULL DEFAULT '',
		    transcriptresult TEXT NOT NULL DEFAULT '',
		    warehouseobjectkey TEXT NOT NULL DEFAULT '',
		    transcriptstatus TEXT NOT NULL DEFAULT '',
		    audiochannels INTEGER NOT NULL DEFAULT 0,
		    hastalkover BOOLEAN
		);

		-- Indexes matching the search access paths
		CREATE INDEX IF NOT EXISTS idx_vpicapture_dateadded ON vpicore.vpicapture(dateadded DESC);
		CREATE INDEX IF NOT EXISTS idx_vpicapture_userid ON vpicore.vpicapture(userid);
		CREATE INDEX IF NOT EXISTS idx_vpicapture_callid ON vpicore.vpicapture(callid);

		-- User directory for display-name resolution
		CREATE TABLE IF NOT EXISTS vpicore.vpusers (
		    userid UUID PRIMARY KEY,
		    fullname TEXT NOT NULL DEFAULT ''
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// scanCapture reads one row into a CaptureRecord, in captureColumns order.
func scanCapture(row pgx.Row) (*model.CaptureRecord, error) {
	var rec model.CaptureRecord
	err := row.Scan(
		&rec.ObjectID,
		&rec.DateAdded,
		&rec.ResourceID,
		&rec.WorkstationID,
		&rec.UserID,
		&rec.StartTime,
		&rec.GmtOffset,
		&rec.GmtStartTime,
		&rec.Duration,
		&rec.TriggeredByResourceTypeID,
		&rec.TriggeredByObjectID,
		&rec.FlagID,
		&rec.Tags,
		&rec.SensitivityLevel,
		&rec.ClientID,
		&rec.ChannelNum,
		&rec.ChannelName,
		&rec.ExtensionNum,
		&rec.AgentID,
		&rec.PbxDnis,
		&rec.AniAliDigits,
		&rec.Direction,
		&rec.MediaFileID,
		&rec.MediaManagerID,
		&rec.MediaRetention,
		&rec.CallID,
		&rec.PreviousCallID,
		&rec.GlobalCallID,
		&rec.ClassOfService,
		&rec.ClassOfServiceDate,
		&rec.XPlatformRef,
		&rec.TranscriptResult,
		&rec.WarehouseObjectKey,
		&rec.TranscriptStatus,
		&rec.AudioChannels,
		&rec.HasTalkover,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SearchCaptures implements CaptureStore. The data query and the count query
// share the same rendered WHERE clause so the page and the total cannot
// disagree.
func (p *postgres) SearchCaptures(ctx context.Context, pred query.Predicate, page, size int) ([]model.CaptureRecord, int64, error) {
	where, args := query.Where(pred, 1)

	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM vpicore.vpicapture %s", where)
	var total int64
	if err := p.db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count captures: %w", err)
	}

	offset := (page - 1) * size
	dataSQL := fmt.Sprintf(
		"SELECT %s FROM vpicore.vpicapture %s ORDER BY dateadded DESC, objectid ASC LIMIT $%d OFFSET $%d",
		captureColumns, where, len(args)+1, len(args)+2)
	dataArgs := append(append([]any{}, args...), size, offset)

	rows, err := p.db.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search captures: %w", err)
	}
	defer rows.Close()

	records := []model.CaptureRecord{}
	for rows.Next() {
		rec, err := scanCapture(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan capture: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating captures: %w", err)
	}

	return records, total, nil
}

// GetCaptureByID implements CaptureStore.
func (p *postgres) GetCaptureByID(ctx context.Context, id uuid.UUID) (*model.CaptureRecord, error) {
	sql := fmt.Sprintf("SELECT %s FROM vpicore.vpicapture WHERE objectid = $1", captureColumns)

	rec, err := scanCapture(p.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

// FindUserIDsByNameContainsAny implements UserStore.
func (p *postgres) FindUserIDsByNameContainsAny(ctx context.Context, names []string) ([]uuid.UUID, error) {
	names = query.CleanStrings(names)
	if len(names) == 0 {
		return nil, nil
	}

	parts := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("lower(fullname) LIKE $%d", i+1)
		args[i] = "%" + strings.ToLower(n) + "%"
	}
	sql := "SELECT userid FROM vpicore.vpusers WHERE " + strings.Join(parts, " OR ") + " ORDER BY userid"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match users by name: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user ids: %w", err)
	}

	return ids, nil
}

// FindUsersByIDs implements UserStore.
func (p *postgres) FindUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]model.UserRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sql := "SELECT userid, fullname FROM vpicore.vpusers WHERE userid = ANY($1)"
	rows, err := p.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	var users []model.UserRecord
	for rows.Next() {
		var user model.UserRecord
		if err := rows.Scan(&user.UserID, &user.FullName); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}
