package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govtech/internal/domain"
)

func seq(evts ...domain.Event) []domain.Event {
	for i := range evts {
		evts[i].ProtocolID = "p-1"
		evts[i].Sequence = int64(i + 1)
	}
	return evts
}

func TestReplayLifecycle(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }
	dl := domain.TimePtr(at(600))

	s, err := Replay(seq(
		domain.Event{Kind: domain.EventCreated, Timestamp: at(0), Data: domain.EventData{
			Number: "2025000001001", ServiceCode: "IPTU_REV", RequesterID: "c-1", Priority: domain.PriorityHigh, Department: "FINANCE",
		}},
		domain.Event{Kind: domain.EventStatusChanged, Timestamp: at(1), Data: domain.EventData{From: domain.StatusReceived, To: domain.StatusInAnalysis}},
		domain.Event{Kind: domain.EventAssigned, Timestamp: at(2), Data: domain.EventData{StepIndex: domain.IntPtr(1), AssigneeID: "op-1"}},
		domain.Event{Kind: domain.EventStepStarted, Timestamp: at(3), Data: domain.EventData{StepIndex: domain.IntPtr(0)}},
		domain.Event{Kind: domain.EventStepCompleted, Timestamp: at(3), Data: domain.EventData{StepIndex: domain.IntPtr(0), Next: domain.IntPtr(1), DeadlineAt: dl}},
		domain.Event{Kind: domain.EventEscalated, Timestamp: at(700), Data: domain.EventData{StepIndex: domain.IntPtr(1)}},
	))
	require.NoError(t, err)

	p := s.Protocol
	require.Equal(t, domain.StatusInProgress, p.Status)
	require.Equal(t, 1, p.CurrentStepIndex)
	require.EqualValues(t, 6, p.Version)
	require.True(t, p.DeadlineAt.Equal(*dl))
	require.Len(t, s.Steps, 2)

	step0, _ := s.Step(0)
	require.Equal(t, domain.StepCompleted, step0.Status)
	step1, ok := s.ActiveStep()
	require.True(t, ok)
	require.Equal(t, 1, step1.StepIndex)
	require.Equal(t, "op-1", step1.AssignedTo, "assignment made while pending survives opening")
	require.NotNil(t, step1.EscalatedAt)
}

func TestReplayFinalStepResolves(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s, err := Replay(seq(
		domain.Event{Kind: domain.EventCreated, Timestamp: now, Data: domain.EventData{Number: "2025000001001"}},
		domain.Event{Kind: domain.EventStatusChanged, Timestamp: now, Data: domain.EventData{To: domain.StatusInAnalysis}},
		domain.Event{Kind: domain.EventStepStarted, Timestamp: now, Data: domain.EventData{StepIndex: domain.IntPtr(0), DeadlineAt: &now}},
		domain.Event{Kind: domain.EventStepCompleted, Timestamp: now, Data: domain.EventData{StepIndex: domain.IntPtr(0), Final: true}},
	))
	require.NoError(t, err)
	require.Equal(t, domain.StatusResolved, s.Protocol.Status)
	require.Nil(t, s.Protocol.DeadlineAt)
	require.NotNil(t, s.Protocol.ResolvedAt)
	require.Equal(t, 0, s.Protocol.CurrentStepIndex)
	_, active := s.ActiveStep()
	require.False(t, active)
}

func TestReplayCancelSkipsActiveStep(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s, err := Replay(seq(
		domain.Event{Kind: domain.EventCreated, Timestamp: now, Data: domain.EventData{Number: "2025000001001"}},
		domain.Event{Kind: domain.EventStepStarted, Timestamp: now, Data: domain.EventData{StepIndex: domain.IntPtr(0)}},
		domain.Event{Kind: domain.EventCancelled, Timestamp: now, Data: domain.EventData{Reason: "duplicate"}},
	))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, s.Protocol.Status)
	require.NotNil(t, s.Protocol.ClosedAt)
	step, _ := s.Step(0)
	require.Equal(t, domain.StepSkipped, step.Status)
}

func TestReplayRejectsCorruptStreams(t *testing.T) {
	now := time.Now()
	cases := map[string][]domain.Event{
		"empty": nil,
		"gap": {
			{Sequence: 1, Kind: domain.EventCreated, Timestamp: now},
			{Sequence: 3, Kind: domain.EventStatusChanged, Timestamp: now},
		},
		"not created first": {
			{Sequence: 1, Kind: domain.EventStatusChanged, Timestamp: now},
		},
		"complete unopened step": seq(
			domain.Event{Kind: domain.EventCreated, Timestamp: now},
			domain.Event{Kind: domain.EventStepCompleted, Timestamp: now, Data: domain.EventData{StepIndex: domain.IntPtr(0)}},
		),
		"wrong from": seq(
			domain.Event{Kind: domain.EventCreated, Timestamp: now},
			domain.Event{Kind: domain.EventStatusChanged, Timestamp: now, Data: domain.EventData{From: domain.StatusInAnalysis, To: domain.StatusPendingInfo}},
		),
		"unknown kind": seq(
			domain.Event{Kind: domain.EventCreated, Timestamp: now},
			domain.Event{Kind: "teleported", Timestamp: now},
		),
	}
	for name, evts := range cases {
		_, err := Replay(evts)
		require.ErrorIs(t, err, ErrCorruptStream, name)
	}
}
