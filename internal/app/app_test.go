package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"govtech/internal/config"
	"govtech/internal/domain"
	"govtech/internal/notify"
)

func TestOpenSQLiteWorkspace(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NotNil(t, a.DB)
	require.NotNil(t, a.Repo)
	_, err = os.Stat(filepath.Join(ws, ".govtech", "govtech.db"))
	require.NoError(t, err)

	admin, err := a.Directory.User(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, admin.Role)

	st, err := a.Engine.Create(ctx, domain.Create{ServiceCode: "CERT_NEG", RequesterID: "admin"}, "admin")
	require.NoError(t, err)
	_, err = a.Projector.Sync(ctx)
	require.NoError(t, err)
	got, ok := a.Model.Get(st.Protocol.ID)
	require.True(t, ok)
	require.Equal(t, st.Protocol.Number, got.Protocol.Number)
}

func TestOpenCatchesUpExistingLog(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	first, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	st, err := first.Engine.Create(ctx, domain.Create{ServiceCode: "ALV_FUNC", RequesterID: "admin"}, "admin")
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := Open(ctx, Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })
	_, ok := second.Model.Get(st.Protocol.ID)
	require.True(t, ok)
}

func TestOpenMemoryDriverAndArchive(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Archive.Driver = "memory"
	cfg.Users = append(cfg.Users, domain.User{ID: "mgr", Role: domain.RoleManager, Department: "FINANCE", Active: true})
	ctx := context.Background()
	var got []notify.Notification
	a, err := Open(ctx, Options{Config: cfg, Logger: zap.NewNop(), Notifier: notify.Func(func(_ context.Context, n notify.Notification) error {
		got = append(got, n)
		return nil
	})})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	require.Nil(t, a.DB)

	st, err := a.Engine.Create(ctx, domain.Create{ServiceCode: "CERT_NEG", RequesterID: "mgr"}, "mgr")
	require.NoError(t, err)
	_, err = a.Engine.Apply(ctx, st.Protocol.ID, domain.Cancel{Reason: "duplicate"}, "mgr")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, domain.StatusCancelled, got[len(got)-1].Status)
	_, err = a.Projector.Sync(ctx)
	require.NoError(t, err)

	arch, err := a.Archiver(ctx)
	require.NoError(t, err)
	res, err := arch.ArchiveTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, res.Archived, 1)
}

func TestOpenRejectsUnknownLock(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Escalation.Lock = "zookeeper"
	_, err := Open(context.Background(), Options{Config: cfg, Logger: zap.NewNop()})
	require.Error(t, err)
}
