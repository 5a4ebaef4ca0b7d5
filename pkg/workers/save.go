package workers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cbodonnell/plaza/pkg/besteffort"
	"github.com/cbodonnell/plaza/pkg/broker"
	"github.com/cbodonnell/plaza/pkg/log"
	"github.com/cbodonnell/plaza/pkg/presence"
	"github.com/cbodonnell/plaza/pkg/repositories"
	"github.com/cbodonnell/plaza/pkg/repositories/models"
)

// SaveDepartureWorker persists the last known position of participants whose
// connection dropped. Clean leaves are skipped because the participant
// persists its own position before leaving.
type SaveDepartureWorker struct {
	repository     repositories.Repository
	departuresChan <-chan broker.Departure
	policy         besteffort.Policy
}

type NewSaveDepartureWorkerOptions struct {
	Repository     repositories.Repository
	DeparturesChan <-chan broker.Departure
	BestEffort     *besteffort.Policy
}

// NewSaveDepartureWorker creates a new SaveDepartureWorker.
// The worker processes departures from the broker until its context is done.
func NewSaveDepartureWorker(opts NewSaveDepartureWorkerOptions) *SaveDepartureWorker {
	policy := besteffort.DefaultPolicy
	if opts.BestEffort != nil {
		policy = *opts.BestEffort
	}
	return &SaveDepartureWorker{
		repository:     opts.Repository,
		departuresChan: opts.DeparturesChan,
		policy:         policy,
	}
}

func (w *SaveDepartureWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case departure := <-w.departuresChan:
			w.saveDeparture(ctx, departure)
		}
	}
}

func (w *SaveDepartureWorker) saveDeparture(ctx context.Context, departure broker.Departure) {
	if !departure.Abrupt {
		return
	}
	position, ok := PositionFromDeparture(departure)
	if !ok {
		log.Debug("Departure of %s from %s has no character to save", departure.Key, departure.Topic)
		return
	}
	if w.policy.Do(ctx, "save departure position", func(ctx context.Context) error {
		return w.repository.InsertWorldPosition(ctx, position)
	}) {
		log.Info("Saved last position of %s in %s", position.CharacterID, position.City)
	}
}

// PositionFromDeparture turns the tracked presence of a departure into a
// world position row. ok is false without a character id.
func PositionFromDeparture(departure broker.Departure) (*models.WorldPosition, bool) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(departure.Meta, &m); err != nil {
		log.Warn("Failed to decode departure meta of %s: %v", departure.Key, err)
		return nil, false
	}
	record, ok := presence.FromMap(m)
	if !ok || record.CharacterID == "" {
		return nil, false
	}

	street := record.Street
	if street == "" {
		street = record.DisplayName
	}
	city := record.Locality
	if city == "" {
		city = record.City
	}
	if city == "" {
		city = strings.TrimPrefix(departure.Topic, broker.TopicPrefix+"world:")
	}
	return &models.WorldPosition{
		CharacterID: record.CharacterID,
		X:           record.X,
		Z:           record.Y,
		Lat:         record.Lat,
		Lng:         record.Lng,
		Street:      street,
		City:        city,
	}, true
}
