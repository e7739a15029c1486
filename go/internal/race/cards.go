package race

import (
	"context"
	"fmt"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/qrcode"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// DriverCard returns the QR payload printed on a team member's card.
func (a *App) DriverCard(ctx context.Context, roundID, teamMemberID int64) (qrcode.Payload, error) {
	var payload qrcode.Payload
	err := a.store.View(ctx, func(r store.Reader) error {
		round, err := r.Round(ctx, roundID)
		if err != nil {
			return err
		}
		m, err := r.TeamMember(ctx, teamMemberID)
		if err != nil {
			return err
		}
		team, err := r.RoundTeam(ctx, m.RoundTeamID)
		if err != nil {
			return err
		}
		if team.RoundID != roundID {
			return ErrWrongRound
		}
		payload, err = qrcode.Encode(round.QRKey, m.ID, fmt.Sprintf("%s (%d %s)", m.Nickname, team.Number, team.Name))
		return err
	})
	if err != nil {
		return qrcode.Payload{}, fmt.Errorf("failed to build card of %d: %w", teamMemberID, err)
	}
	return payload, nil
}

// ResolveCard returns the team member whose card was scanned. Cards of other
// rounds do not decode.
func (a *App) ResolveCard(ctx context.Context, roundID int64, data string) (models.TeamMember, error) {
	var m models.TeamMember
	err := a.store.View(ctx, func(r store.Reader) error {
		round, err := r.Round(ctx, roundID)
		if err != nil {
			return err
		}
		id, err := qrcode.Decode(round.QRKey, data)
		if err != nil {
			return err
		}
		m, err = r.TeamMember(ctx, id)
		return err
	})
	if err != nil {
		return models.TeamMember{}, fmt.Errorf("failed to read card: %w", err)
	}
	return m, nil
}
