package race

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/qrcode"
	"github.com/frawau/gokartrace-sub000/go/internal/rpc"
)

const ServiceName = "racecontrol.v1.RaceService"

// RaceApp defines what the service layer needs from the race application.
type RaceApp interface {
	PreRaceCheck(ctx context.Context, roundID int64) error
	StartRace(ctx context.Context, roundID int64) error
	PauseRace(ctx context.Context, roundID int64) error
	RestartRace(ctx context.Context, roundID int64) error
	FalseStart(ctx context.Context, roundID int64) error
	FalseRestart(ctx context.Context, roundID int64) error
	EndRace(ctx context.Context, roundID int64) ([]PostRaceDirective, error)
	PostRaceCheck(ctx context.Context, roundID int64) ([]PostRaceDirective, error)
	DriverRegister(ctx context.Context, roundID, teamMemberID int64) (RegisterResult, error)
	DriverEndSession(ctx context.Context, roundID, teamMemberID int64) (SwapResult, error)
	Queue(ctx context.Context, roundID int64) ([]QueueEntry, error)
	Lanes(ctx context.Context, roundID int64) ([]LaneView, error)
	TeamStatus(ctx context.Context, roundID int64) ([]TeamStatus, error)
	RoundStatus(ctx context.Context, roundID int64) (RoundStatus, error)
	WeightPenalties(ctx context.Context, roundID int64) ([]WeightPenalty, error)
	EmptyTeams(ctx context.Context, roundID int64) ([]models.RoundTeam, error)
	DeleteEmptyTeams(ctx context.Context, roundID int64) (int, error)
	DriverCard(ctx context.Context, roundID, teamMemberID int64) (qrcode.Payload, error)
	ResolveCard(ctx context.Context, roundID int64, data string) (models.TeamMember, error)
}

var _ RaceApp = (*App)(nil)

type RoundRequest struct {
	RoundID int64 `json:"round_id"`
}

// DriverRequest names a team member directly or by the data of a scanned
// card.
type DriverRequest struct {
	RoundID      int64  `json:"round_id"`
	TeamMemberID int64  `json:"team_member_id,omitempty"`
	Card         string `json:"data,omitempty"`
}

var classifier = rpc.Classifier{
	Warnings: []error{ErrNoSuccessor, ErrDueInPitLane, ErrPitLaneClosed},
	Errors: []error{
		ErrAlreadyDriving, ErrNotADriver, ErrSessionNotFound, ErrMultipleSessions,
		ErrInvalidTransition, ErrWrongRound, ErrManagerExists, ErrPersonInOtherTeam, ErrInvalidRound,
		qrcode.ErrInvalidCard, qrcode.ErrInvalidKey,
	},
}

// Service exposes the race application over Connect.
type Service struct {
	app RaceApp
}

func NewService(app RaceApp) *Service {
	return &Service{app: app}
}

// Register mounts every procedure of the service on mux.
func (s *Service) Register(mux *http.ServeMux) {
	rpc.Handle(mux, procedure("PreRaceCheck"), s.PreRaceCheck)
	rpc.Handle(mux, procedure("StartRace"), s.action(s.app.StartRace, "Race started."))
	rpc.Handle(mux, procedure("PauseRace"), s.action(s.app.PauseRace, "Race paused."))
	rpc.Handle(mux, procedure("RestartRace"), s.action(s.app.RestartRace, "Race restarted."))
	rpc.Handle(mux, procedure("FalseStart"), s.action(s.app.FalseStart, "Start cancelled."))
	rpc.Handle(mux, procedure("FalseRestart"), s.action(s.app.FalseRestart, "Restart cancelled."))
	rpc.Handle(mux, procedure("EndRace"), s.EndRace)
	rpc.Handle(mux, procedure("PostRaceCheck"), withRound(s.app.PostRaceCheck))
	rpc.Handle(mux, procedure("DriverRegister"), s.DriverRegister)
	rpc.Handle(mux, procedure("DriverEndSession"), s.DriverEndSession)
	rpc.Handle(mux, procedure("Queue"), withRound(s.app.Queue))
	rpc.Handle(mux, procedure("Lanes"), withRound(s.app.Lanes))
	rpc.Handle(mux, procedure("TeamStatus"), withRound(s.app.TeamStatus))
	rpc.Handle(mux, procedure("RoundStatus"), withRound(s.app.RoundStatus))
	rpc.Handle(mux, procedure("WeightPenalties"), withRound(s.app.WeightPenalties))
	rpc.Handle(mux, procedure("EmptyTeams"), withRound(s.app.EmptyTeams))
	rpc.Handle(mux, procedure("DeleteEmptyTeams"), withRound(s.app.DeleteEmptyTeams))
	rpc.Handle(mux, procedure("DriverCard"), s.DriverCard)
}

func procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

func validRound(req *RoundRequest) error {
	if req.RoundID <= 0 {
		return rpc.InvalidArgument(errors.New("round_id is required"))
	}
	return nil
}

func (s *Service) action(fn func(context.Context, int64) error, done string) func(context.Context, *RoundRequest) (rpc.Reply[struct{}], error) {
	return func(ctx context.Context, req *RoundRequest) (rpc.Reply[struct{}], error) {
		if err := validRound(req); err != nil {
			return rpc.Reply[struct{}]{}, err
		}
		return rpc.Respond(classifier, struct{}{}, done, fn(ctx, req.RoundID))
	}
}

func withRound[T any](fn func(context.Context, int64) (T, error)) func(context.Context, *RoundRequest) (rpc.Reply[T], error) {
	return func(ctx context.Context, req *RoundRequest) (rpc.Reply[T], error) {
		if err := validRound(req); err != nil {
			return rpc.Reply[T]{}, err
		}
		data, err := fn(ctx, req.RoundID)
		return rpc.Respond(classifier, data, "", err)
	}
}

// PreRaceCheck replies with the list of problems when the round cannot be
// made ready.
func (s *Service) PreRaceCheck(ctx context.Context, req *RoundRequest) (rpc.Reply[[]string], error) {
	if err := validRound(req); err != nil {
		return rpc.Reply[[]string]{}, err
	}
	err := s.app.PreRaceCheck(ctx, req.RoundID)
	var failed *PreRaceCheckError
	if errors.As(err, &failed) {
		return rpc.Reply[[]string]{Status: rpc.StatusError, Message: "Pre-race check failed.", Data: failed.Errors}, nil
	}
	return rpc.Respond[[]string](classifier, nil, "Round is ready.", err)
}

func (s *Service) EndRace(ctx context.Context, req *RoundRequest) (rpc.Reply[[]PostRaceDirective], error) {
	if err := validRound(req); err != nil {
		return rpc.Reply[[]PostRaceDirective]{}, err
	}
	directives, err := s.app.EndRace(ctx, req.RoundID)
	return rpc.Respond(classifier, directives, "Race ended.", err)
}

func (s *Service) member(ctx context.Context, req *DriverRequest) (int64, error) {
	if req.RoundID <= 0 {
		return 0, rpc.InvalidArgument(errors.New("round_id is required"))
	}
	if req.Card == "" {
		if req.TeamMemberID <= 0 {
			return 0, rpc.InvalidArgument(errors.New("team_member_id or data is required"))
		}
		return req.TeamMemberID, nil
	}
	m, err := s.app.ResolveCard(ctx, req.RoundID, req.Card)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *Service) DriverRegister(ctx context.Context, req *DriverRequest) (rpc.Reply[RegisterResult], error) {
	id, err := s.member(ctx, req)
	if err != nil {
		return replyOrFail[RegisterResult](err)
	}
	result, err := s.app.DriverRegister(ctx, req.RoundID, id)
	msg := "Driver registered."
	if result == RegisterResultRemoved {
		msg = "Driver removed from the queue."
	}
	return rpc.Respond(classifier, result, msg, err)
}

func (s *Service) DriverEndSession(ctx context.Context, req *DriverRequest) (rpc.Reply[SwapResult], error) {
	id, err := s.member(ctx, req)
	if err != nil {
		return replyOrFail[SwapResult](err)
	}
	swap, err := s.app.DriverEndSession(ctx, req.RoundID, id)
	return rpc.Respond(classifier, swap, fmt.Sprintf("Driver change for team %d.", swap.TeamNumber), err)
}

func (s *Service) DriverCard(ctx context.Context, req *DriverRequest) (rpc.Reply[qrcode.Payload], error) {
	id, err := s.member(ctx, req)
	if err != nil {
		return replyOrFail[qrcode.Payload](err)
	}
	card, err := s.app.DriverCard(ctx, req.RoundID, id)
	return rpc.Respond(classifier, card, "", err)
}

// replyOrFail keeps invalid argument errors as Connect errors and reports
// the rest in the reply.
func replyOrFail[T any](err error) (rpc.Reply[T], error) {
	var zero T
	return rpc.Respond(classifier, zero, "", err)
}
