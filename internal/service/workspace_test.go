package service

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/ingest"
	"carspot-service/internal/reaction"
	"carspot-service/internal/recognition"
	"carspot-service/internal/session"
	"carspot-service/internal/social"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

const predictURL = "http://classifier.test/predict/"

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0}

func pngEvent(extra int) ingest.PickerEvent {
	data := append(append([]byte(nil), pngHeader...), bytes.Repeat([]byte{0}, extra)...)
	return ingest.PickerEvent{Files: []ingest.File{{Name: "car.png", Size: int64(len(data)), Data: data}}}
}

// fakeGateway is an in-memory car backend.
type fakeGateway struct {
	mu        sync.Mutex
	cars      []car.CarRecord
	usernames map[string]string
	photos    map[string]string
	uploads   [][]byte
	uploadErr error
	saveErr   error
	renamed   map[string]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{usernames: map[string]string{}, photos: map[string]string{}, renamed: map[string]string{}}
}

func (f *fakeGateway) ListAll(context.Context) ([]car.CarRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]car.CarRecord, len(f.cars))
	for i, c := range f.cars {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *fakeGateway) ListForOwner(_ context.Context, ownerID string) ([]car.CarRecord, error) {
	all, _ := f.ListAll(context.Background())
	var out []car.CarRecord
	for _, c := range all {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeGateway) SaveCar(_ context.Context, rec car.CarRecord) (car.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return car.Key{}, f.saveErr
	}
	f.cars = append(f.cars, rec.Clone())
	return rec.Key(), nil
}

func (f *fakeGateway) DeleteCar(_ context.Context, key car.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.cars {
		if c.Key().String() == key.String() {
			f.cars = append(f.cars[:i], f.cars[i+1:]...)
			return nil
		}
	}
	return car.ErrNotFound
}

func (f *fakeGateway) react(key car.Key, actor string, like bool) (backend.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cars {
		c := &f.cars[i]
		if c.Key().String() != key.String() {
			continue
		}
		if like && !c.LikedByActor(actor) {
			c.LikedBy = append(c.LikedBy, actor)
			c.LikeCount++
		}
		if !like && c.LikedByActor(actor) {
			var kept []string
			for _, id := range c.LikedBy {
				if id != actor {
					kept = append(kept, id)
				}
			}
			c.LikedBy = kept
			c.LikeCount--
		}
		return backend.LikeResult{Likes: c.LikeCount, LikedBy: append([]string{}, c.LikedBy...)}, nil
	}
	return backend.LikeResult{}, car.ErrNotFound
}

func (f *fakeGateway) Like(_ context.Context, key car.Key, actor string) (backend.LikeResult, error) {
	return f.react(key, actor, true)
}

func (f *fakeGateway) Unlike(_ context.Context, key car.Key, actor string) (backend.LikeResult, error) {
	return f.react(key, actor, false)
}

func (f *fakeGateway) lookup(src map[string]string, ids []string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if v, ok := src[id]; ok {
			out[id] = v
		}
	}
	return out
}

func (f *fakeGateway) CurrentUsernames(_ context.Context, ids []string) (map[string]string, error) {
	return f.lookup(f.usernames, ids), nil
}

func (f *fakeGateway) ProfilePhotos(_ context.Context, ids []string) (map[string]string, error) {
	return f.lookup(f.photos, ids), nil
}

func (f *fakeGateway) UpdateUsername(_ context.Context, ownerID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usernames[ownerID] = name
	f.renamed[ownerID] = name
	return nil
}

func (f *fakeGateway) UploadCarImage(_ context.Context, ownerID string, p *car.ImagePayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, p.Data)
	return "https://img.test/" + ownerID + "/" + p.ID, nil
}

func (f *fakeGateway) UploadProfilePhoto(_ context.Context, ownerID string, p *car.ImagePayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos[ownerID] = "https://img.test/profile/" + ownerID
	return f.photos[ownerID], nil
}

type staticProvider struct{ user session.User }

func (p staticProvider) CurrentUser(context.Context) (session.User, error) {
	u := p.user
	u.Attributes = session.Attributes{}
	return u, nil
}

func (p staticProvider) FetchUserAttributes(context.Context) (session.Attributes, error) {
	return p.user.Attributes, nil
}

func testDeps(t *testing.T, gw Gateway) Deps {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	return Deps{
		Backend: gw,
		Log:     zerolog.Nop(),
		Options: Options{
			Upload:          ingest.Policy{Name: "main", MaxBytes: 10 << 20},
			ProfileUpload:   ingest.Policy{Name: "profile", MaxBytes: 1024},
			DropTarget:      "upload-box",
			IdentityTTL:     time.Minute,
			RecognitionURL:  predictURL,
			RecognitionHTTP: httpClient,
		},
	}
}

func signedIn(t *testing.T, deps Deps, userID string) *Workspace {
	t.Helper()
	p := staticProvider{user: session.User{
		UserID:     userID,
		Username:   userID,
		Attributes: session.Attributes{PreferredUsername: "handle-" + userID, Picture: "https://img.test/avatar/" + userID},
	}}
	ws := NewWorkspace(deps, session.NewContext(p))
	_, err := ws.Session().Refresh(context.Background())
	require.NoError(t, err)
	t.Cleanup(ws.Close)
	return ws
}

func respondPorsche() {
	httpmock.RegisterResponder(http.MethodPost, predictURL,
		httpmock.NewStringResponder(http.StatusOK, `{"make": "Porsche", "model": "911", "year": "1973", "link": "https://example.com/911"}`))
}

func TestIdentifyThenSave(t *testing.T) {
	gw := newFakeGateway()
	ws := signedIn(t, testDeps(t, gw), "u1")
	respondPorsche()

	snap, err := ws.SelectAndIdentify(context.Background(), pngEvent(16))
	require.NoError(t, err)
	assert.Equal(t, recognition.Succeeded, snap.State)
	assert.Equal(t, "Porsche", snap.Result.Make)
	assert.Nil(t, ws.uploads.Active(), "payload is discarded after submission")

	rec, err := ws.SaveLastResult(context.Background(), "  first spot  ", false)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.Equal(t, "first spot", rec.Description)
	assert.Equal(t, "handle-u1", rec.AuthorHandle)
	assert.Equal(t, "https://img.test/avatar/u1", rec.AuthorAvatarRef)
	assert.True(t, strings.HasPrefix(rec.ImageRef, "https://img.test/u1/"))
	require.Len(t, gw.uploads, 1)
	assert.Equal(t, pngEvent(16).Files[0].Data, gw.uploads[0])

	saved, err := ws.Saved(context.Background(), car.SortMostRecent, true)
	require.NoError(t, err)
	require.Len(t, saved.Cars, 1)
	assert.Equal(t, rec.Key(), saved.Cars[0].Key())
}

func TestSaveRequiresResult(t *testing.T) {
	ws := signedIn(t, testDeps(t, newFakeGateway()), "u1")

	_, err := ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrValidation)
}

func TestSaveRejectsNoVehicle(t *testing.T) {
	ws := signedIn(t, testDeps(t, newFakeGateway()), "u1")
	httpmock.RegisterResponder(http.MethodPost, predictURL,
		httpmock.NewStringResponder(http.StatusOK, `{"make": "n/a", "model": "n/a", "year": "n/a", "link": "n/a"}`))

	_, err := ws.SelectAndIdentify(context.Background(), pngEvent(0))
	require.NoError(t, err)
	_, err = ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrValidation)
}

func TestSaveRejectsLongDescriptionBeforeUpload(t *testing.T) {
	gw := newFakeGateway()
	ws := signedIn(t, testDeps(t, gw), "u1")
	respondPorsche()

	_, err := ws.SelectAndIdentify(context.Background(), pngEvent(0))
	require.NoError(t, err)
	_, err = ws.SaveLastResult(context.Background(), strings.Repeat("x", car.MaxDescriptionLength+1), false)
	assert.ErrorIs(t, err, car.ErrValidation)
	assert.Empty(t, gw.uploads)
}

func TestSaveFailuresAddNothing(t *testing.T) {
	gw := newFakeGateway()
	ws := signedIn(t, testDeps(t, gw), "u1")
	respondPorsche()
	_, err := ws.SelectAndIdentify(context.Background(), pngEvent(0))
	require.NoError(t, err)

	gw.uploadErr = car.ErrTransport
	_, err = ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrPersistence)

	gw.uploadErr = nil
	gw.saveErr = car.ErrTransport
	_, err = ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrPersistence)

	saved, err := ws.Saved(context.Background(), car.SortMostRecent, false)
	require.NoError(t, err)
	assert.Empty(t, saved.Cars)
}

func TestSaveAfterNewSelectionFails(t *testing.T) {
	ws := signedIn(t, testDeps(t, newFakeGateway()), "u1")
	respondPorsche()
	_, err := ws.SelectAndIdentify(context.Background(), pngEvent(0))
	require.NoError(t, err)

	_, err = ws.Select(pngEvent(4))
	require.NoError(t, err)

	_, err = ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrValidation)
}

func TestIdentifyWithoutSelection(t *testing.T) {
	ws := signedIn(t, testDeps(t, newFakeGateway()), "u1")

	_, err := ws.Identify(context.Background())
	assert.True(t, car.IsRejected(err, car.NoFileSelected))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestFeedAnnotatesWithLiveIdentity(t *testing.T) {
	gw := newFakeGateway()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	gw.cars = []car.CarRecord{
		{OwnerID: "b", CreatedAt: t0, ImageRef: "i1", LikeCount: 5, AuthorHandle: "old-b"},
		{OwnerID: "c", CreatedAt: t0.Add(time.Minute), ImageRef: "i2", LikeCount: 2, AuthorHandle: "old-c"},
		{OwnerID: "d", CreatedAt: t0.Add(2 * time.Minute), ImageRef: "i3", LikeCount: 9, IsPrivate: true},
	}
	gw.usernames["b"] = "new-b"
	ws := signedIn(t, testDeps(t, gw), "u1")

	view, err := ws.Feed(context.Background(), car.SortMostLiked, true)
	require.NoError(t, err)
	require.Len(t, view.Cars, 2, "other users' private cars are hidden")
	assert.Equal(t, "new-b", view.Cars[0].DisplayHandle)
	assert.Equal(t, social.SourceLive, view.Cars[0].Source)
	assert.Equal(t, "old-b", view.Cars[0].AuthorHandle)
	assert.Equal(t, "old-c", view.Cars[1].DisplayHandle)
	assert.Equal(t, social.SourceSnapshot, view.Cars[1].Source)
	assert.True(t, view.Status.Loaded)
}

func TestRenameShowsOnNextRender(t *testing.T) {
	gw := newFakeGateway()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	gw.cars = []car.CarRecord{{OwnerID: "u1", CreatedAt: t0, ImageRef: "i1", AuthorHandle: "before"}}
	gw.usernames["u1"] = "before"
	ws := signedIn(t, testDeps(t, gw), "u1")

	view, err := ws.Feed(context.Background(), car.SortMostRecent, true)
	require.NoError(t, err)
	assert.Equal(t, "before", view.Cars[0].DisplayHandle)

	require.NoError(t, ws.UpdateUsername(context.Background(), " after "))
	assert.Equal(t, "after", gw.renamed["u1"])

	view, err = ws.Feed(context.Background(), car.SortMostRecent, false)
	require.NoError(t, err)
	assert.Equal(t, "after", view.Cars[0].DisplayHandle)
	assert.Equal(t, "before", view.Cars[0].AuthorHandle)

	assert.ErrorIs(t, ws.UpdateUsername(context.Background(), "  "), car.ErrValidation)
}

func TestLikeThroughWorkspace(t *testing.T) {
	gw := newFakeGateway()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	gw.cars = []car.CarRecord{{OwnerID: "b", CreatedAt: t0, ImageRef: "i1"}}
	ws := signedIn(t, testDeps(t, gw), "a")
	_, err := ws.Feed(context.Background(), car.SortMostRecent, true)
	require.NoError(t, err)

	res, err := ws.Like(context.Background(), car.Key{OwnerID: "b", CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, reaction.Applied, res.Outcome)
	assert.Equal(t, 1, res.Record.LikeCount)
	assert.Equal(t, []string{"a"}, res.Record.LikedBy)
}

func TestWritesRequireSession(t *testing.T) {
	gw := newFakeGateway()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	gw.cars = []car.CarRecord{{OwnerID: "b", CreatedAt: t0, ImageRef: "i1"}}
	ws := NewWorkspace(testDeps(t, gw), nil)
	t.Cleanup(ws.Close)

	view, err := ws.Feed(context.Background(), car.SortMostRecent, true)
	require.NoError(t, err)
	assert.Len(t, view.Cars, 1)

	key := car.Key{OwnerID: "b", CreatedAt: t0}
	_, err = ws.Like(context.Background(), key)
	assert.ErrorIs(t, err, car.ErrAuthRequired)
	assert.ErrorIs(t, ws.Delete(context.Background(), key), car.ErrAuthRequired)
	_, err = ws.SaveLastResult(context.Background(), "", false)
	assert.ErrorIs(t, err, car.ErrAuthRequired)
	_, err = ws.Saved(context.Background(), car.SortMostRecent, true)
	assert.ErrorIs(t, err, car.ErrAuthRequired)
}

func TestDeleteOnlyOwnCars(t *testing.T) {
	gw := newFakeGateway()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	gw.cars = []car.CarRecord{
		{OwnerID: "b", CreatedAt: t0, ImageRef: "i1"},
		{OwnerID: "a", CreatedAt: t0, ImageRef: "i2"},
	}
	ws := signedIn(t, testDeps(t, gw), "a")
	_, err := ws.Feed(context.Background(), car.SortMostRecent, true)
	require.NoError(t, err)

	assert.ErrorIs(t, ws.Delete(context.Background(), car.Key{OwnerID: "b", CreatedAt: t0}), car.ErrValidation)
	require.NoError(t, ws.Delete(context.Background(), car.Key{OwnerID: "a", CreatedAt: t0}))

	view, err := ws.Feed(context.Background(), car.SortMostRecent, false)
	require.NoError(t, err)
	assert.Len(t, view.Cars, 1)
}

func TestProfilePhotoPolicy(t *testing.T) {
	gw := newFakeGateway()
	ws := signedIn(t, testDeps(t, gw), "u1")

	_, err := ws.UploadProfilePhoto(context.Background(), pngEvent(4096))
	assert.True(t, car.IsRejected(err, car.TooLarge))

	url, err := ws.UploadProfilePhoto(context.Background(), pngEvent(8))
	require.NoError(t, err)
	assert.Equal(t, "https://img.test/profile/u1", url)
}

func TestPreviewLifecycle(t *testing.T) {
	ws := signedIn(t, testDeps(t, newFakeGateway()), "u1")

	payload, err := ws.Select(pngEvent(0))
	require.NoError(t, err)

	data, ct, ok := ws.OpenPreview(payload.PreviewURL)
	require.True(t, ok)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, pngEvent(0).Files[0].Data, data)

	assert.True(t, ws.ReleasePreview(payload.PreviewURL))
	assert.False(t, ws.ReleasePreview(payload.PreviewURL))
	_, _, ok = ws.OpenPreview(payload.PreviewURL)
	assert.False(t, ok)
}
