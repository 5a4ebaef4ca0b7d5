package repositories

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens the database at dbPath and applies the embedded
// migrations in name order.
func NewSQLiteRepository(ctx context.Context, dbPath string) (Repository, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// sqlite serializes writers, one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	const dir = "migrations/sqlite"
	entries, err := sqliteMigrations.ReadDir(dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read migrations directory: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		migrationPath := path.Join(dir, entry.Name())
		migration, err := sqliteMigrations.ReadFile(migrationPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to read migration %s: %v", migrationPath, err)
		}

		if _, err := db.ExecContext(ctx, string(migration)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute migration %s: %v", migrationPath, err)
		}
	}

	return &SQLiteRepository{
		db: db,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error {
	if err := preparePosition(position, time.Now()); err != nil {
		return err
	}
	q := `
	INSERT INTO world_positions (character_id, x, z, lat, lng, street, city, recorded_at)
	VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?);
	`
	res, err := r.db.ExecContext(ctx, q,
		position.CharacterID, position.X, position.Z, nullFloat(position.Lat), nullFloat(position.Lng),
		position.Street, position.City, position.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert world position: %v", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		position.ID = id
	}
	return nil
}

func (r *SQLiteRepository) SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error {
	if err := prepareEvent(event, time.Now()); err != nil {
		return err
	}
	q := `
	INSERT INTO world_events (id, user_id, character_id, city, event_type, event_data, created_at)
	VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
	`
	_, err := r.db.ExecContext(ctx, q,
		event.ID, event.UserID, event.CharacterID, event.City,
		event.EventType, string(event.EventData), event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert world event: %v", err)
	}
	return nil
}

func (r *SQLiteRepository) NearbyPlayers(ctx context.Context, city string, excludeCharacterID string, since time.Time) ([]models.WorldPosition, error) {
	q := `
	SELECT id, character_id, x, z, lat, lng, COALESCE(street, ''), COALESCE(city, ''), recorded_at
	FROM world_positions
	WHERE city = ? AND character_id <> ? AND recorded_at >= ?
	ORDER BY recorded_at DESC, id DESC;
	`
	rows, err := r.db.QueryContext(ctx, q, city, excludeCharacterID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby players: %v", err)
	}
	defer rows.Close()

	var positions []models.WorldPosition
	for rows.Next() {
		p := models.WorldPosition{}
		var lat, lng sql.NullFloat64
		var recordedAt int64
		if err := rows.Scan(&p.ID, &p.CharacterID, &p.X, &p.Z, &lat, &lng, &p.Street, &p.City, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan world position: %v", err)
		}
		p.Lat = floatPtr(lat)
		p.Lng = floatPtr(lng)
		p.RecordedAt = time.UnixMilli(recordedAt).UTC()
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read world positions: %v", err)
	}
	return latestPerCharacter(positions), nil
}

func (r *SQLiteRepository) NPCInteractions(ctx context.Context, npcID string, limit int) ([]models.WorldEvent, error) {
	q := `
	SELECT id, user_id, COALESCE(character_id, ''), COALESCE(city, ''), event_type, event_data, created_at
	FROM world_events
	WHERE event_type = ? AND json_extract(event_data, '$.npcId') = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?;
	`
	rows, err := r.db.QueryContext(ctx, q, models.EventTypeNPCChat, npcID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query npc interactions: %v", err)
	}
	defer rows.Close()

	var events []models.WorldEvent
	for rows.Next() {
		e := models.WorldEvent{}
		var data string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.CharacterID, &e.City, &e.EventType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan world event: %v", err)
		}
		e.EventData = []byte(data)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read world events: %v", err)
	}
	return events, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
