package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFanoutJoinsErrors(t *testing.T) {
	var got []Kind
	boom := errors.New("boom")
	f := Fanout{
		Func(func(_ context.Context, n Notification) error { got = append(got, n.Kind); return nil }),
		nil,
		Func(func(context.Context, Notification) error { return boom }),
	}
	err := f.Notify(context.Background(), Notification{Kind: KindEscalation})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []Kind{KindEscalation}, got)
}

func TestDispatchLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failing := Func(func(context.Context, Notification) error { return errors.New("smtp down") })
	Dispatch(context.Background(), failing, zap.New(core), Notification{Kind: KindTransition, ProtocolID: "p-1"})
	require.Equal(t, 1, logs.FilterMessage("notification failed").Len())

	Dispatch(context.Background(), nil, zap.New(core), Notification{})
	require.Equal(t, 1, logs.Len())
}
