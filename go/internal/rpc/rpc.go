// Package rpc serves plain Go request and reply types over Connect with a
// JSON codec. Operation outcomes travel in the reply as a status and a
// message; Connect error codes are kept for malformed requests and
// unexpected failures.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// Codec marshals messages with encoding/json. It is registered under the
// "json" name so clients post application/json.
type Codec struct{}

func (Codec) Name() string                        { return "json" }
func (Codec) Marshal(msg any) ([]byte, error)     { return json.Marshal(msg) }
func (Codec) Unmarshal(data []byte, msg any) error { return json.Unmarshal(data, msg) }

var _ connect.Codec = Codec{}

type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Reply is the body of every response.
type Reply[T any] struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// Classifier decides which errors are reported to the user in a reply.
// Errors matching neither list become Connect internal errors.
type Classifier struct {
	Warnings []error
	Errors   []error
}

func (c Classifier) status(err error) (Status, bool) {
	for _, target := range c.Warnings {
		if errors.Is(err, target) {
			return StatusWarning, true
		}
	}
	for _, target := range c.Errors {
		if errors.Is(err, target) {
			return StatusError, true
		}
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return StatusError, true
	}
	return "", false
}

// Respond turns an operation outcome into a reply.
func Respond[T any](c Classifier, data T, message string, err error) (Reply[T], error) {
	if err == nil {
		return Reply[T]{Status: StatusOK, Message: message, Data: data}, nil
	}
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return Reply[T]{}, err
	}
	status, ok := c.status(err)
	if !ok {
		log.Error().Err(err).Msg("operation failed")
		return Reply[T]{}, connect.NewError(connect.CodeInternal, err)
	}
	return Reply[T]{Status: status, Message: err.Error(), Data: data}, nil
}

// InvalidArgument rejects a malformed request.
func InvalidArgument(err error) error {
	return connect.NewError(connect.CodeInvalidArgument, err)
}

// Handle registers a unary procedure on mux.
func Handle[Req, Res any](mux *http.ServeMux, procedure string, fn func(context.Context, *Req) (Res, error), opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(&res), nil
		}, opts...))
}

// NewClient returns a client of a procedure registered with Handle.
func NewClient[Req, Res any](httpClient connect.HTTPClient, baseURL, procedure string) *connect.Client[Req, Res] {
	return connect.NewClient[Req, Res](httpClient, baseURL+procedure, connect.WithCodec(Codec{}))
}
