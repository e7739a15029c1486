package penalty

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// Active returns the penalty the station is serving, if any.
func (a *App) Active(ctx context.Context, roundID int64) (*QueueItem, error) {
	var active *QueueItem
	err := a.store.View(ctx, func(r store.Reader) error {
		entries, err := r.QueueEntries(ctx, roundID)
		if err != nil || len(entries) == 0 {
			return err
		}
		item, err := a.item(ctx, r, entries[0])
		if err != nil {
			return err
		}
		active = &item
		return nil
	})
	return active, err
}

// Queue lists the queued penalties, active first.
func (a *App) Queue(ctx context.Context, roundID int64) ([]QueueItem, error) {
	var items []QueueItem
	err := a.store.View(ctx, func(r store.Reader) error {
		var err error
		items, err = a.queue(ctx, r, roundID)
		return err
	})
	return items, err
}

func (a *App) queue(ctx context.Context, r store.Reader, roundID int64) ([]QueueItem, error) {
	entries, err := r.QueueEntries(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load penalty queue: %w", err)
	}
	items := make([]QueueItem, 0, len(entries))
	for _, entry := range entries {
		item, err := a.item(ctx, r, entry)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (a *App) Status(ctx context.Context, roundID int64) (Status, error) {
	items, err := a.Queue(ctx, roundID)
	if err != nil {
		return Status{}, err
	}
	status := Status{QueueCount: len(items)}
	if len(items) > 0 {
		status.Next = &items[0]
	}
	return status, nil
}

// Penalties lists every penalty imposed on the round, served or not.
func (a *App) Penalties(ctx context.Context, roundID int64) ([]models.RoundPenalty, error) {
	var penalties []models.RoundPenalty
	err := a.store.View(ctx, func(r store.Reader) error {
		var err error
		penalties, err = r.RoundPenalties(ctx, roundID)
		return err
	})
	return penalties, err
}

// ServedByStation records a completion reported by the station. Only the
// entry the station was armed with can be served this way: a report
// repeated after the queue moved on, even for the same team, returns false.
func (a *App) ServedByStation(ctx context.Context, roundID int64, teamNumber int) (bool, error) {
	served := false
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		entries, err := tx.QueueEntries(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load penalty queue: %w", err)
		}
		if len(entries) > 0 && a.isArmed(roundID, entries[0].ID) {
			item, err := a.item(ctx, tx, entries[0])
			if err != nil {
				return err
			}
			if item.TeamNumber == teamNumber {
				served = true
				_, err = a.serve(ctx, tx, entries[0])
				return err
			}
		}
		log.Warn().
			Int64("round_id", roundID).
			Int("team_number", teamNumber).
			Msg("station reported a penalty it was not armed with")
		return nil
	})
	if err != nil {
		return false, err
	}
	return served, nil
}

// RestoreActive returns the active penalty of the round and takes it as
// announced: after a restart the station still holds it.
func (a *App) RestoreActive(ctx context.Context, roundID int64) (*QueueItem, error) {
	active, err := a.Active(ctx, roundID)
	if err != nil || active == nil {
		return active, err
	}
	a.arm(roundID, active.QueueID)
	return active, nil
}

// CatalogEntry configures a penalty for a championship. A non zero
// PenaltyID reuses an existing catalog penalty instead of creating one.
type CatalogEntry struct {
	ChampionshipID int64              `json:"championship_id"`
	PenaltyID      int64              `json:"penalty_id,omitempty"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Sanction       models.Sanction    `json:"sanction"`
	Value          int                `json:"value"`
	Option         string             `json:"option,omitempty"`
	Role           models.PenaltyRole `json:"role,omitempty"`
}

// AddChampionshipPenalty creates a catalog penalty and configures it for
// the championship. A role can be held by one penalty per championship.
func (a *App) AddChampionshipPenalty(ctx context.Context, entry CatalogEntry) (models.ChampionshipPenalty, error) {
	var cp models.ChampionshipPenalty
	err := a.store.Update(ctx, 0, func(tx store.Tx) error {
		if _, err := tx.Championship(ctx, entry.ChampionshipID); err != nil {
			return err
		}
		if entry.Role != models.PenaltyRoleNone {
			existing, err := tx.ChampionshipPenalties(ctx, entry.ChampionshipID)
			if err != nil {
				return fmt.Errorf("failed to load championship penalties: %w", err)
			}
			if lo.ContainsBy(existing, func(cp models.ChampionshipPenalty) bool { return cp.Role == entry.Role }) {
				return fmt.Errorf("role %s is already configured: %w", entry.Role, store.ErrConflict)
			}
		}
		p := models.Penalty{ID: entry.PenaltyID, Name: entry.Name, Description: entry.Description}
		if p.ID == 0 {
			if err := tx.InsertPenalty(ctx, &p); err != nil {
				return fmt.Errorf("failed to create penalty: %w", err)
			}
		} else if _, err := tx.Penalty(ctx, p.ID); err != nil {
			return err
		}
		cp = models.ChampionshipPenalty{
			ChampionshipID: entry.ChampionshipID,
			PenaltyID:      p.ID,
			Sanction:       entry.Sanction,
			Value:          entry.Value,
			Option:         entry.Option,
			Role:           entry.Role,
		}
		if err := tx.InsertChampionshipPenalty(ctx, &cp); err != nil {
			return fmt.Errorf("failed to configure penalty: %w", err)
		}
		return nil
	})
	return cp, err
}

// Catalog lists the penalties configured for a championship.
func (a *App) Catalog(ctx context.Context, championshipID int64) ([]models.ChampionshipPenalty, error) {
	var penalties []models.ChampionshipPenalty
	err := a.store.View(ctx, func(r store.Reader) error {
		var err error
		penalties, err = r.ChampionshipPenalties(ctx, championshipID)
		return err
	})
	return penalties, err
}
