package race

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/rpc"
	"github.com/frawau/gokartrace-sub000/go/internal/store/storetest"
)

func serve(t *testing.T, h *harness) string {
	t.Helper()
	mux := http.NewServeMux()
	NewService(h.app).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestServicePreRaceCheck(t *testing.T) {
	h := newHarness(t, storetest.DefaultRound(t0), alpha, bravo)
	url := serve(t, h)
	client := rpc.NewClient[RoundRequest, rpc.Reply[[]string]](http.DefaultClient, url, procedure("PreRaceCheck"))

	res, err := client.CallUnary(h.ctx, connect.NewRequest(&RoundRequest{RoundID: h.Round.ID}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusError, res.Msg.Status)
	assert.Len(t, res.Msg.Data, 2)

	_, err = client.CallUnary(h.ctx, connect.NewRequest(&RoundRequest{}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestServiceDriverFlow(t *testing.T) {
	h := started(t)
	url := serve(t, h)
	register := rpc.NewClient[DriverRequest, rpc.Reply[RegisterResult]](http.DefaultClient, url, procedure("DriverRegister"))
	endSession := rpc.NewClient[DriverRequest, rpc.Reply[SwapResult]](http.DefaultClient, url, procedure("DriverEndSession"))

	h.at(10 * time.Minute)
	card, err := h.app.DriverCard(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	require.NoError(t, err)

	res, err := register.CallUnary(h.ctx, connect.NewRequest(&DriverRequest{RoundID: h.Round.ID, Card: card.Data}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusOK, res.Msg.Status)
	assert.Equal(t, RegisterResultRegistered, res.Msg.Data)

	swap, err := endSession.CallUnary(h.ctx, connect.NewRequest(&DriverRequest{RoundID: h.Round.ID, TeamMemberID: h.MemberID(t, "A1")}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusWarning, swap.Msg.Status)
	assert.Contains(t, swap.Msg.Message, ErrNoSuccessor.Error())

	swap, err = endSession.CallUnary(h.ctx, connect.NewRequest(&DriverRequest{RoundID: h.Round.ID, TeamMemberID: h.MemberID(t, "B1")}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusOK, swap.Msg.Status)
	assert.Equal(t, 12, swap.Msg.Data.TeamNumber)

	res, err = register.CallUnary(h.ctx, connect.NewRequest(&DriverRequest{RoundID: h.Round.ID, Card: "bm90IGEgY2FyZA=="}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusError, res.Msg.Status)

	_, err = register.CallUnary(h.ctx, connect.NewRequest(&DriverRequest{RoundID: h.Round.ID}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}
