package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govtech/internal/domain"
	"govtech/internal/events"
)

type staticSource []events.State

func (s staticSource) All() []events.State { return s }

func seed(t *testing.T, store *events.MemoryStore, id, number string, terminal bool) events.State {
	t.Helper()
	ts := time.Date(2024, 11, 5, 14, 0, 0, 0, time.UTC)
	batch := []domain.Event{{
		Kind: domain.EventCreated, ActorID: "c1", Timestamp: ts,
		Data: domain.EventData{Number: number, ServiceCode: "CERT_NEG", RequesterID: "c1", Priority: domain.PriorityNormal},
	}}
	if terminal {
		batch = append(batch, domain.Event{
			Kind: domain.EventCancelled, ActorID: "m1", Timestamp: ts.Add(time.Hour),
			Data: domain.EventData{Command: domain.CmdCancel, From: domain.StatusReceived, To: domain.StatusCancelled},
		})
	}
	_, err := store.Append(context.Background(), id, 0, batch...)
	require.NoError(t, err)
	st, _, err := events.Rebuild(context.Background(), store, id)
	require.NoError(t, err)
	return st
}

func TestArchiveTerminalWritesOnce(t *testing.T) {
	log := events.NewMemoryStore()
	done := seed(t, log, "p1", "2024123456001", true)
	open := seed(t, log, "p2", "2024123456002", false)
	blobs := NewMemory()
	a := Archiver{
		Store:          blobs,
		Reader:         log,
		Source:         staticSource{done, open},
		RetentionYears: 7,
		Now:            func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}

	res, err := a.ArchiveTerminal(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"protocols/2024/2024123456001.json"}, res.Archived)

	data, err := blobs.Get(context.Background(), res.Archived[0])
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, domain.StatusCancelled, rec.Protocol.Status)
	require.Len(t, rec.Events, 2)
	require.Equal(t, time.Date(2031, 11, 5, 15, 0, 0, 0, time.UTC), rec.RetainUntil)

	res, err = a.ArchiveTerminal(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Archived)
	require.Equal(t, 1, res.Skipped)
}

func TestFSStoreCreateOnly(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "protocols/2025/a.json", []byte("{}"), "application/json"))
	require.ErrorIs(t, s.Put(ctx, "protocols/2025/a.json", []byte("{}"), ""), ErrExists)

	ok, err := s.Exists(ctx, "protocols/2025/a.json")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Exists(ctx, "protocols/2025/b.json")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.List(ctx, "protocols/")
	require.NoError(t, err)
	require.Equal(t, []string{"protocols/2025/a.json"}, keys)

	require.Error(t, s.Put(ctx, "../escape.json", nil, ""))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "tape", "", S3Config{})
	require.Error(t, err)
	_, err = Open(context.Background(), "s3", "", S3Config{})
	require.Error(t, err)
}
