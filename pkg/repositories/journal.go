package repositories

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cbodonnell/plaza/pkg/repositories/models"
	"github.com/klauspost/compress/zstd"
)

const (
	journalPositions = "positions"
	journalEvents    = "events"
)

// JournalRepository appends rows as zstd compressed JSON lines, one file per
// kind and day. Every append is a complete zstd frame so files stay readable
// while they are written. Reads scan every file.
type JournalRepository struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	enc *zstd.Encoder
}

// NewJournalRepository stores its files under dir, creating it if needed.
func NewJournalRepository(dir string) (Repository, error) {
	return newJournalRepository(dir, time.Now)
}

func newJournalRepository(dir string, now func() time.Time) (*JournalRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %v", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %v", err)
	}
	return &JournalRepository{
		dir: dir,
		now: now,
		enc: enc,
	}, nil
}

func (r *JournalRepository) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// every frame is already finished, the encoder holds nothing to flush
	r.enc = nil
	return nil
}

func (r *JournalRepository) InsertWorldPosition(ctx context.Context, position *models.WorldPosition) error {
	if err := preparePosition(position, r.now()); err != nil {
		return err
	}
	if err := r.append(journalPositions, position.RecordedAt, position); err != nil {
		return fmt.Errorf("failed to insert world position: %v", err)
	}
	return nil
}

func (r *JournalRepository) SaveWorldEvent(ctx context.Context, event *models.WorldEvent) error {
	if err := prepareEvent(event, r.now()); err != nil {
		return err
	}
	if err := r.append(journalEvents, event.CreatedAt, event); err != nil {
		return fmt.Errorf("failed to insert world event: %v", err)
	}
	return nil
}

func (r *JournalRepository) NearbyPlayers(ctx context.Context, city string, excludeCharacterID string, since time.Time) ([]models.WorldPosition, error) {
	var positions []models.WorldPosition
	err := r.scan(ctx, journalPositions, func(line []byte) error {
		p := models.WorldPosition{}
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		if p.City == city && p.CharacterID != excludeCharacterID && !p.RecordedAt.Before(since) {
			positions = append(positions, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby players: %v", err)
	}
	// later appends win ties on recorded_at
	for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
		positions[i], positions[j] = positions[j], positions[i]
	}
	sortPositionsNewestFirst(positions)
	return latestPerCharacter(positions), nil
}

func (r *JournalRepository) NPCInteractions(ctx context.Context, npcID string, limit int) ([]models.WorldEvent, error) {
	var events []models.WorldEvent
	err := r.scan(ctx, journalEvents, func(line []byte) error {
		e := models.WorldEvent{}
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if e.EventType != models.EventTypeNPCChat {
			return nil
		}
		chat := models.NPCChat{}
		if err := json.Unmarshal(e.EventData, &chat); err != nil || chat.NPCID != npcID {
			return nil
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query npc interactions: %v", err)
	}
	// ULIDs sort by time
	sort.Slice(events, func(i, j int) bool {
		return events[i].ID > events[j].ID
	})
	if limit = normalizeLimit(limit); len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *JournalRepository) pathFor(kind string, t time.Time) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.jsonl.zst", kind, t.UTC().Format("2006-01-02")))
}

func (r *JournalRepository) append(kind string, at time.Time, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return fmt.Errorf("journal is closed")
	}

	f, err := os.OpenFile(r.pathFor(kind, at), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.enc.Reset(f)
	if _, err := r.enc.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := r.enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *JournalRepository) scan(ctx context.Context, kind string, fn func(line []byte) error) error {
	paths, err := filepath.Glob(filepath.Join(r.dir, kind+"-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	// readers hold the lock too so they never see a half written frame
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanFile(p, fn); err != nil {
			return fmt.Errorf("%s: %v", filepath.Base(p), err)
		}
	}
	return nil
}

func scanFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
