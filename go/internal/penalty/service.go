package penalty

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/rpc"
)

const ServiceName = "racecontrol.v1.PenaltyService"

// PenaltyApp defines what the service layer needs from the penalty queue.
type PenaltyApp interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (models.RoundPenalty, error)
	Serve(ctx context.Context, roundID int64) (models.RoundPenalty, error)
	Cancel(ctx context.Context, queueID int64) error
	Delay(ctx context.Context, queueID int64) error
	DriverChangeTooLong(ctx context.Context, roundID, offenderID int64) (models.RoundPenalty, error)
	Queue(ctx context.Context, roundID int64) ([]QueueItem, error)
	Status(ctx context.Context, roundID int64) (Status, error)
	Penalties(ctx context.Context, roundID int64) ([]models.RoundPenalty, error)
	AddChampionshipPenalty(ctx context.Context, entry CatalogEntry) (models.ChampionshipPenalty, error)
	Catalog(ctx context.Context, championshipID int64) ([]models.ChampionshipPenalty, error)
}

var _ PenaltyApp = (*App)(nil)

type RoundRequest struct {
	RoundID int64 `json:"round_id"`
}

type QueueRequest struct {
	QueueID int64 `json:"queue_id"`
}

type OffenderRequest struct {
	RoundID    int64 `json:"round_id"`
	OffenderID int64 `json:"offender_id"`
}

type ChampionshipRequest struct {
	ChampionshipID int64 `json:"championship_id"`
}

var classifier = rpc.Classifier{
	Errors: []error{ErrInvalidSanction, ErrWrongRound, ErrWrongChampionship},
}

// Service exposes the penalty queue over Connect.
type Service struct {
	app PenaltyApp
}

func NewService(app PenaltyApp) *Service {
	return &Service{app: app}
}

// Register mounts every procedure of the service on mux.
func (s *Service) Register(mux *http.ServeMux) {
	rpc.Handle(mux, procedure("Enqueue"), s.Enqueue)
	rpc.Handle(mux, procedure("Serve"), s.Serve)
	rpc.Handle(mux, procedure("Cancel"), s.queueAction(s.app.Cancel, "Penalty cancelled."))
	rpc.Handle(mux, procedure("Delay"), s.queueAction(s.app.Delay, "Penalty delayed."))
	rpc.Handle(mux, procedure("DriverChangeTooLong"), s.DriverChangeTooLong)
	rpc.Handle(mux, procedure("Queue"), withRound(s.app.Queue))
	rpc.Handle(mux, procedure("Status"), withRound(s.app.Status))
	rpc.Handle(mux, procedure("Penalties"), withRound(s.app.Penalties))
	rpc.Handle(mux, procedure("AddChampionshipPenalty"), s.AddChampionshipPenalty)
	rpc.Handle(mux, procedure("Catalog"), s.Catalog)
}

func procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

func withRound[T any](fn func(context.Context, int64) (T, error)) func(context.Context, *RoundRequest) (rpc.Reply[T], error) {
	return func(ctx context.Context, req *RoundRequest) (rpc.Reply[T], error) {
		if req.RoundID <= 0 {
			return rpc.Reply[T]{}, rpc.InvalidArgument(errors.New("round_id is required"))
		}
		data, err := fn(ctx, req.RoundID)
		return rpc.Respond(classifier, data, "", err)
	}
}

func (s *Service) queueAction(fn func(context.Context, int64) error, done string) func(context.Context, *QueueRequest) (rpc.Reply[struct{}], error) {
	return func(ctx context.Context, req *QueueRequest) (rpc.Reply[struct{}], error) {
		if req.QueueID <= 0 {
			return rpc.Reply[struct{}]{}, rpc.InvalidArgument(errors.New("queue_id is required"))
		}
		return rpc.Respond(classifier, struct{}{}, done, fn(ctx, req.QueueID))
	}
}

func (s *Service) Enqueue(ctx context.Context, req *EnqueueRequest) (rpc.Reply[models.RoundPenalty], error) {
	if req.RoundID <= 0 || req.OffenderID <= 0 || req.ChampionshipPenaltyID <= 0 {
		return rpc.Reply[models.RoundPenalty]{}, rpc.InvalidArgument(errors.New("round_id, offender_id and championship_penalty_id are required"))
	}
	if req.Value < 0 {
		return rpc.Reply[models.RoundPenalty]{}, rpc.InvalidArgument(fmt.Errorf("invalid value %d", req.Value))
	}
	rp, err := s.app.Enqueue(ctx, *req)
	return rpc.Respond(classifier, rp, "Penalty queued.", err)
}

func (s *Service) Serve(ctx context.Context, req *RoundRequest) (rpc.Reply[models.RoundPenalty], error) {
	if req.RoundID <= 0 {
		return rpc.Reply[models.RoundPenalty]{}, rpc.InvalidArgument(errors.New("round_id is required"))
	}
	rp, err := s.app.Serve(ctx, req.RoundID)
	return rpc.Respond(classifier, rp, "Penalty served.", err)
}

func (s *Service) DriverChangeTooLong(ctx context.Context, req *OffenderRequest) (rpc.Reply[models.RoundPenalty], error) {
	if req.RoundID <= 0 || req.OffenderID <= 0 {
		return rpc.Reply[models.RoundPenalty]{}, rpc.InvalidArgument(errors.New("round_id and offender_id are required"))
	}
	rp, err := s.app.DriverChangeTooLong(ctx, req.RoundID, req.OffenderID)
	return rpc.Respond(classifier, rp, "Penalty imposed.", err)
}

func (s *Service) AddChampionshipPenalty(ctx context.Context, req *CatalogEntry) (rpc.Reply[models.ChampionshipPenalty], error) {
	if req.ChampionshipID <= 0 || (req.PenaltyID == 0 && req.Name == "") {
		return rpc.Reply[models.ChampionshipPenalty]{}, rpc.InvalidArgument(errors.New("championship_id and a penalty are required"))
	}
	cp, err := s.app.AddChampionshipPenalty(ctx, *req)
	return rpc.Respond(classifier, cp, "Penalty configured.", err)
}

func (s *Service) Catalog(ctx context.Context, req *ChampionshipRequest) (rpc.Reply[[]models.ChampionshipPenalty], error) {
	if req.ChampionshipID <= 0 {
		return rpc.Reply[[]models.ChampionshipPenalty]{}, rpc.InvalidArgument(errors.New("championship_id is required"))
	}
	penalties, err := s.app.Catalog(ctx, req.ChampionshipID)
	return rpc.Respond(classifier, penalties, "", err)
}
