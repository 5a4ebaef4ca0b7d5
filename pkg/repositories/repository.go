package repositories

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/oklog/ulid/v2"
)

// DefaultNPCInteractionsLimit is used when a caller asks for no limit.
const DefaultNPCInteractionsLimit = 50

type Repository interface {
	Close(ctx context.Context) error
	// InsertWorldPosition appends a position row.
	InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error
	// SaveWorldEvent appends an event, assigning its id and creation time when unset.
	SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error
	// NearbyPlayers returns the latest position of every character other than
	// excludeCharacterID recorded in city at or after since, newest first.
	NearbyPlayers(ctx context.Context, city string, excludeCharacterID string, since time.Time) ([]models.WorldPosition, error)
	// NPCInteractions returns the most recent npc_chat events addressed to npcID, newest first.
	NPCInteractions(ctx context.Context, npcID string, limit int) ([]models.WorldEvent, error)
}

// Open picks a repository implementation from the scheme of rawURL:
// postgresql:// (or postgres://), sqlite://<path> and journal://<dir>.
func Open(ctx context.Context, rawURL string) (Repository, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %v", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return NewPostgresRepository(ctx, rawURL)
	case "sqlite":
		return NewSQLiteRepository(ctx, pathOf(rawURL, "sqlite://"))
	case "journal":
		return NewJournalRepository(pathOf(rawURL, "journal://"))
	default:
		return nil, fmt.Errorf("unsupported database url scheme %q", u.Scheme)
	}
}

// pathOf keeps relative paths relative: sqlite://plaza.db is plaza.db, not /plaza.db.
func pathOf(rawURL string, prefix string) string {
	return strings.TrimPrefix(rawURL, prefix)
}

// prepareEvent fills the id and creation time of an event about to be stored.
func prepareEvent(event *models.WorldEvent, now time.Time) error {
	if event.EventType == "" {
		return fmt.Errorf("world event is missing a type")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now.UTC()
	}
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Timestamp(event.CreatedAt), ulid.DefaultEntropy()).String()
	}
	if len(event.EventData) == 0 {
		event.EventData = []byte("{}")
	}
	return nil
}

func preparePosition(position *models.WorldPosition, now time.Time) error {
	if position.CharacterID == "" {
		return fmt.Errorf("world position is missing a character id")
	}
	if position.RecordedAt.IsZero() {
		position.RecordedAt = now.UTC()
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultNPCInteractionsLimit
	}
	return limit
}

// latestPerCharacter keeps the newest row of each character from positions
// sorted newest first.
func latestPerCharacter(positions []models.WorldPosition) []models.WorldPosition {
	seen := make(map[string]bool, len(positions))
	out := make([]models.WorldPosition, 0, len(positions))
	for _, p := range positions {
		if seen[p.CharacterID] {
			continue
		}
		seen[p.CharacterID] = true
		out = append(out, p)
	}
	return out
}

func sortPositionsNewestFirst(positions []models.WorldPosition) {
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].RecordedAt.After(positions[j].RecordedAt)
	})
}
