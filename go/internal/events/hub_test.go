package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		topic  string
		want   bool
	}{
		{"empty matches all", "", "round.1", true},
		{"wildcard matches all", ">", "stopandgo", true},
		{"exact", "round.1", "round.1", true},
		{"exact mismatch", "round.1", "round.12", false},
		{"prefix", "round.>", "round.12", true},
		{"prefix mismatch", "round.>", "lane.1", false},
		{"prefix needs separator", "round.>", "roundabout", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.filter, tt.topic))
		})
	}
}

func mustEvent(t *testing.T, topic string, typ Type, payload any) Event {
	t.Helper()
	ev, err := New(topic, typ, 7, payload)
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev := <-s.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	round := hub.Subscribe(RoundTopic(7), 4)
	lanes := hub.Subscribe("lane.>", 4)
	all := hub.Subscribe("", 4)

	ev := mustEvent(t, LaneTopic(2), TypeLaneUpdate, LaneUpdatePayload{RoundID: 7, Lane: 2, Open: true})
	require.NoError(t, hub.Publish(context.Background(), ev))

	got := receive(t, lanes)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.ID, receive(t, all).ID)

	select {
	case <-round.C:
		t.Fatal("round subscriber should not receive lane events")
	default:
	}

	var payload LaneUpdatePayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, 2, payload.Lane)
	assert.True(t, payload.Open)
	assert.Nil(t, payload.Driver)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	slow := hub.Subscribe(TopicStopAndGo, 1)
	ctx := context.Background()

	first := mustEvent(t, TopicStopAndGo, TypeResetStation, ResetStationPayload{RoundID: 7})
	second := mustEvent(t, TopicStopAndGo, TypeResetStation, ResetStationPayload{RoundID: 7})
	require.NoError(t, hub.Publish(ctx, first))
	require.NoError(t, hub.Publish(ctx, second))

	assert.Equal(t, first.ID, receive(t, slow).ID)
	select {
	case ev := <-slow.C:
		t.Fatalf("unexpected event %s", ev.ID)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub()
	s := hub.Subscribe("", 1)
	s.Close()
	s.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	require.NoError(t, hub.Publish(context.Background(), mustEvent(t, "x", TypeRoundUpdate, nil)))

	hub.Close()
	late := hub.Subscribe("", 1)
	_, ok = <-late.C
	assert.False(t, ok)
	late.Close()
}

func TestStreamMessages(t *testing.T) {
	cfg := DefaultJetStreamConfig()
	assert.Equal(t, "race.events.round.7", cfg.Subject(RoundTopic(7)))
	assert.Equal(t, "round.7", cfg.Topic("race.events.round.7"))

	ev := mustEvent(t, TopicChangeDriver, TypeChangeDriverUpdate, ChangeDriverUpdatePayload{RoundID: 7, TeamNumber: 12})
	data, err := encodeEvent(ev)
	require.NoError(t, err)
	got, err := decodeEvent(cfg, "race.events.changedriver", data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, TypeChangeDriverUpdate, got.Type)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))

	ev.Topic = ""
	data, err = encodeEvent(ev)
	require.NoError(t, err)
	got, err = decodeEvent(cfg, "race.events.lane.2", data)
	require.NoError(t, err)
	assert.Equal(t, LaneTopic(2), got.Topic)

	_, err = decodeEvent(cfg, "race.events.x", []byte(`{"type":"round_update"}`))
	assert.ErrorIs(t, err, errNoEventID)
	_, err = decodeEvent(cfg, "race.events.x", []byte(`not json`))
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	record := func(name string, err error) Bus {
		return BusFunc(func(_ context.Context, ev Event) error {
			got = append(got, name+":"+ev.Topic)
			return err
		})
	}

	ev := mustEvent(t, "round.7", TypeRoundUpdate, nil)
	err := Fanout{record("a", nil), record("b", boom), record("c", nil)}.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a:round.7", "b:round.7", "c:round.7"}, got)

	assert.NoError(t, Fanout{}.Publish(context.Background(), ev))
}
