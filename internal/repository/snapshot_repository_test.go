package repository

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carspot-service/internal/db"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/feed"
)

var _ feed.SnapshotStore = (*SnapshotRepository)(nil)

func setupRepo(t *testing.T) *SnapshotRepository {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, db.Migrate(gdb))
	return NewSnapshotRepository(gdb)
}

func sample(owner string, minute int) car.CarRecord {
	return car.CarRecord{
		OwnerID:      owner,
		CreatedAt:    time.Date(2025, 3, 1, 10, minute, 0, 123_000_000, time.UTC),
		VehicleInfo:  car.VehicleInfo{Make: "Toyota", Model: "Supra", Year: "1998", Link: "https://example.com/supra"},
		ImageRef:     "https://img/" + owner,
		LikeCount:    2,
		LikedBy:      []string{"a", "b"},
		Description:  "weekend car",
		AuthorHandle: "handle-" + owner,
	}
}

func TestSnapshotRoundTripKeepsOrder(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	in := []car.CarRecord{sample("u2", 5), sample("u1", 1), sample("u3", 3)}
	in[2].LikedBy = nil
	in[2].LikeCount = 0
	in[2].IsPrivate = true
	require.NoError(t, repo.SavePartition(ctx, "global", in))

	out, loadedAt, err := repo.LoadPartition(ctx, "global")
	require.NoError(t, err)
	assert.False(t, loadedAt.IsZero())
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].OwnerID, out[i].OwnerID)
		assert.True(t, in[i].CreatedAt.Equal(out[i].CreatedAt))
		assert.Equal(t, in[i].VehicleInfo, out[i].VehicleInfo)
		assert.Equal(t, in[i].LikedBy, out[i].LikedBy)
		assert.Equal(t, in[i].IsPrivate, out[i].IsPrivate)
		assert.Equal(t, in[i].AuthorHandle, out[i].AuthorHandle)
	}
}

func TestSnapshotKeepsSavedAtTokens(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	a := sample("u1", 0)
	a.SavedAt = "2024-05-01T10:00:00.123456"
	b := sample("u1", 0)
	b.CreatedAt = b.CreatedAt.Add(543 * time.Microsecond)
	b.SavedAt = "2024-05-01T10:00:00.123999"
	require.NoError(t, repo.SavePartition(ctx, "global", []car.CarRecord{a, b}))

	out, _, err := repo.LoadPartition(ctx, "global")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, a.SavedAt, out[0].SavedAt)
	assert.Equal(t, b.SavedAt, out[1].SavedAt)
	assert.Equal(t, b.SavedAt, out[1].Key().Stamp())
}

func TestSnapshotReplacesPrevious(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SavePartition(ctx, "owner:u1", []car.CarRecord{sample("u1", 1), sample("u1", 2)}))
	require.NoError(t, repo.SavePartition(ctx, "owner:u1", []car.CarRecord{sample("u1", 9)}))

	out, _, err := repo.LoadPartition(ctx, "owner:u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 9, out[0].CreatedAt.Minute())
}

func TestSnapshotPartitionsAreSeparate(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SavePartition(ctx, "global", []car.CarRecord{sample("u1", 1)}))
	require.NoError(t, repo.SavePartition(ctx, "owner:u1", []car.CarRecord{sample("u1", 1)}))
	require.NoError(t, repo.DropPartition(ctx, "owner:u1"))

	_, _, err := repo.LoadPartition(ctx, "owner:u1")
	assert.ErrorIs(t, err, car.ErrNotFound)

	out, _, err := repo.LoadPartition(ctx, "global")
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSnapshotEmptyPartition(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SavePartition(ctx, "global", nil))
	out, _, err := repo.LoadPartition(ctx, "global")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStoreFallsBackToPersistedSnapshot(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SavePartition(ctx, "global", []car.CarRecord{sample("u1", 1)}))

	store := feed.NewStore(downBackend{}, zerolog.Nop(), feed.WithSnapshots(repo))
	_, err := store.LoadAll(ctx)
	require.ErrorIs(t, err, car.ErrTransport)

	status := store.Status(feed.Global)
	assert.True(t, status.Stale)
	assert.Equal(t, 1, status.Count)
}

type downBackend struct{}

func (downBackend) ListAll(context.Context) ([]car.CarRecord, error) {
	return nil, car.ErrTransport
}
func (downBackend) ListForOwner(context.Context, string) ([]car.CarRecord, error) {
	return nil, car.ErrTransport
}
func (downBackend) SaveCar(context.Context, car.CarRecord) (car.Key, error) {
	return car.Key{}, car.ErrTransport
}
func (downBackend) DeleteCar(context.Context, car.Key) error { return car.ErrTransport }
