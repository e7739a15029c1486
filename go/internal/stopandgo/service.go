package stopandgo

import (
	"context"
	"net/http"

	"github.com/frawau/gokartrace-sub000/go/internal/rpc"
)

const ServiceName = "racecontrol.v1.StationService"

// FenceRequest toggles the fence interlock of the stations.
type FenceRequest struct {
	Enabled bool `json:"enabled"`
}

type Empty struct{}

// StationStatus is what the control panel shows about the stations.
type StationStatus struct {
	Stations int `json:"stations"`
}

var classifier = rpc.Classifier{
	Warnings: []error{ErrNoStation},
}

// Service lets the race director drive the stations.
type Service struct {
	hub *Hub
}

func NewService(hub *Hub) *Service {
	return &Service{hub: hub}
}

func (s *Service) Register(mux *http.ServeMux) {
	rpc.Handle(mux, procedure("SetFence"), s.SetFence)
	rpc.Handle(mux, procedure("GetFenceStatus"), s.command(s.hub.RequestFenceStatus, "Fence status requested."))
	rpc.Handle(mux, procedure("ForceComplete"), s.command(s.hub.ForceComplete, "Penalty completion forced."))
	rpc.Handle(mux, procedure("Status"), s.Status)
}

func procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

func (s *Service) connected() error {
	if s.hub.Stations() == 0 {
		return ErrNoStation
	}
	return nil
}

func (s *Service) command(send func(), done string) func(context.Context, *Empty) (rpc.Reply[struct{}], error) {
	return func(context.Context, *Empty) (rpc.Reply[struct{}], error) {
		if err := s.connected(); err != nil {
			return rpc.Respond(classifier, struct{}{}, "", err)
		}
		send()
		return rpc.Respond(classifier, struct{}{}, done, nil)
	}
}

func (s *Service) SetFence(_ context.Context, req *FenceRequest) (rpc.Reply[struct{}], error) {
	if err := s.connected(); err != nil {
		return rpc.Respond(classifier, struct{}{}, "", err)
	}
	s.hub.SetFence(req.Enabled)
	msg := "Fence disabled."
	if req.Enabled {
		msg = "Fence enabled."
	}
	return rpc.Respond(classifier, struct{}{}, msg, nil)
}

func (s *Service) Status(context.Context, *Empty) (rpc.Reply[StationStatus], error) {
	return rpc.Respond(classifier, StationStatus{Stations: s.hub.Stations()}, "", nil)
}
