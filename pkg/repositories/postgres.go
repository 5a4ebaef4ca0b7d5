package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS world_positions (
	id BIGSERIAL PRIMARY KEY,
	character_id TEXT NOT NULL,
	x DOUBLE PRECISION NOT NULL,
	z DOUBLE PRECISION NOT NULL,
	lat DOUBLE PRECISION,
	lng DOUBLE PRECISION,
	street TEXT,
	city TEXT,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS world_positions_city_recorded_at ON world_positions (city, recorded_at DESC);
CREATE TABLE IF NOT EXISTS world_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	character_id TEXT,
	city TEXT,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS world_events_type_created_at ON world_events (event_type, created_at DESC);
`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to connStr and applies the schema.
// The caller is responsible for calling Close() on the repository.
func NewPostgresRepository(ctx context.Context, connStr string) (Repository, error) {
	pool, err := connectDb(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %v", err)
	}
	return &PostgresRepository{
		pool: pool,
	}, nil
}

func connectDb(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	var username string
	var database string
	err = pool.QueryRow(ctx, "SELECT current_user, current_database()").Scan(&username, &database)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to query database: %v", err)
	}

	log.Info("Connected to %s as %s", database, username)

	return pool, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error {
	if err := preparePosition(position, time.Now()); err != nil {
		return err
	}
	q := `
	INSERT INTO world_positions (character_id, x, z, lat, lng, street, city, recorded_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	RETURNING id;
	`
	err := r.pool.QueryRow(ctx, q,
		position.CharacterID, position.X, position.Z, position.Lat, position.Lng,
		position.Street, position.City, position.RecordedAt,
	).Scan(&position.ID)
	if err != nil {
		return fmt.Errorf("failed to insert world position: %v", err)
	}
	return nil
}

func (r *PostgresRepository) SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error {
	if err := prepareEvent(event, time.Now()); err != nil {
		return err
	}
	q := `
	INSERT INTO world_events (id, user_id, character_id, city, event_type, event_data, created_at)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7);
	`
	_, err := r.pool.Exec(ctx, q,
		event.ID, event.UserID, event.CharacterID, event.City,
		event.EventType, string(event.EventData), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert world event: %v", err)
	}
	return nil
}

func (r *PostgresRepository) NearbyPlayers(ctx context.Context, city string, excludeCharacterID string, since time.Time) ([]models.WorldPosition, error) {
	q := `
	SELECT DISTINCT ON (character_id)
		id, character_id, x, z, lat, lng, COALESCE(street, ''), COALESCE(city, ''), recorded_at
	FROM world_positions
	WHERE city = $1 AND character_id <> $2 AND recorded_at >= $3
	ORDER BY character_id, recorded_at DESC, id DESC;
	`
	rows, err := r.pool.Query(ctx, q, city, excludeCharacterID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby players: %v", err)
	}
	positions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WorldPosition, error) {
		p := models.WorldPosition{}
		err := row.Scan(&p.ID, &p.CharacterID, &p.X, &p.Z, &p.Lat, &p.Lng, &p.Street, &p.City, &p.RecordedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan world position: %v", err)
	}
	sortPositionsNewestFirst(positions)
	return positions, nil
}

func (r *PostgresRepository) NPCInteractions(ctx context.Context, npcID string, limit int) ([]models.WorldEvent, error) {
	q := `
	SELECT id, user_id, COALESCE(character_id, ''), COALESCE(city, ''), event_type, event_data::text, created_at
	FROM world_events
	WHERE event_type = $1 AND event_data->>'npcId' = $2
	ORDER BY created_at DESC, id DESC
	LIMIT $3;
	`
	rows, err := r.pool.Query(ctx, q, models.EventTypeNPCChat, npcID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query npc interactions: %v", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WorldEvent, error) {
		e := models.WorldEvent{}
		var data string
		err := row.Scan(&e.ID, &e.UserID, &e.CharacterID, &e.City, &e.EventType, &data, &e.CreatedAt)
		e.EventData = []byte(data)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan world event: %v", err)
	}
	return events, nil
}
