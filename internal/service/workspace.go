package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/feed"
	"carspot-service/internal/ingest"
	"carspot-service/internal/metrics"
	"carspot-service/internal/reaction"
	"carspot-service/internal/recognition"
	"carspot-service/internal/session"
	"carspot-service/internal/social"
)

// Gateway is everything a workspace asks of the car backend.
type Gateway interface {
	feed.Backend
	reaction.Backend
	social.Directory
	UpdateUsername(ctx context.Context, ownerID, newUsername string) error
	UploadCarImage(ctx context.Context, ownerID string, payload *car.ImagePayload) (string, error)
	UploadProfilePhoto(ctx context.Context, ownerID string, payload *car.ImagePayload) (string, error)
}

var _ Gateway = (*backend.Client)(nil)

type Options struct {
	Upload          ingest.Policy
	ProfileUpload   ingest.Policy
	DropTarget      string
	Cooldown        time.Duration
	IdentityTTL     time.Duration
	RecognitionURL  string
	RecognitionHTTP *http.Client
}

// Deps are shared by every workspace of the process.
type Deps struct {
	Backend   Gateway
	Snapshots feed.SnapshotStore
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Options   Options
}

// Workspace is one user's session: their upload slot, recognition state,
// feed store and reaction queue.
type Workspace struct {
	session *session.Context
	backend Gateway
	log     zerolog.Logger

	uploads    *ingest.Ingress
	profile    *ingest.Ingress
	recognizer *recognition.Client
	store      *feed.Store
	annotator  *social.Annotator
	reactions  *reaction.Controller

	mu            sync.Mutex
	resultPreview string
	resultSeq     uint64
	closed        bool
}

func NewWorkspace(deps Deps, sc *session.Context) *Workspace {
	if sc == nil {
		sc = session.NewContext(nil)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	opts := deps.Options
	log := deps.Log.With().Str("workspace_id", uuid.NewString()).Logger()

	storeOpts := []feed.Option{feed.WithMetrics(m)}
	if deps.Snapshots != nil {
		storeOpts = append(storeOpts, feed.WithSnapshots(deps.Snapshots))
	}
	store := feed.NewStore(deps.Backend, log, storeOpts...)

	return &Workspace{
		session:    sc,
		backend:    deps.Backend,
		log:        log,
		uploads:    ingest.NewIngress(opts.Upload, opts.DropTarget, nil, m, log),
		profile:    ingest.NewIngress(opts.ProfileUpload, opts.DropTarget, nil, m, log),
		recognizer: recognition.NewClient(opts.RecognitionURL, opts.RecognitionHTTP, m, log),
		store:      store,
		annotator:  social.NewAnnotator(deps.Backend, opts.IdentityTTL, log),
		reactions:  reaction.NewController(deps.Backend, store, opts.Cooldown, m, log),
	}
}

func (w *Workspace) Session() *session.Context {
	return w.session
}

func (w *Workspace) user() (session.User, error) {
	u, ok := w.session.Current()
	if !ok {
		return session.User{}, fmt.Errorf("%w: sign in first", car.ErrAuthRequired)
	}
	return u, nil
}

// Select ingests a picker or drop event into the upload slot. A new selection
// abandons any in-flight recognition.
func (w *Workspace) Select(ev ingest.Event) (*car.ImagePayload, error) {
	payload, err := w.uploads.Ingest(ev)
	if err != nil {
		return nil, err
	}
	w.recognizer.Reset()
	return payload, nil
}

// Identify submits the active payload and blocks until the classifier answers.
// The payload is discarded either way; its preview stays for display and save.
func (w *Workspace) Identify(ctx context.Context) (recognition.Snapshot, error) {
	payload := w.uploads.Active()
	if payload == nil {
		return w.recognizer.Snapshot(), &car.Rejection{Reason: car.NoFileSelected}
	}
	defer w.uploads.Discard(payload.ID)

	result, err := w.recognizer.Submit(ctx, payload)
	if err != nil {
		return w.recognizer.Snapshot(), err
	}

	w.mu.Lock()
	w.resultPreview = payload.PreviewURL
	w.resultSeq = result.Submission
	w.mu.Unlock()
	return w.recognizer.Snapshot(), nil
}

// SelectAndIdentify is the one-step flow used by uploads that carry the file.
func (w *Workspace) SelectAndIdentify(ctx context.Context, ev ingest.Event) (recognition.Snapshot, error) {
	if _, err := w.Select(ev); err != nil {
		return w.recognizer.Snapshot(), err
	}
	return w.Identify(ctx)
}

func (w *Workspace) Recognition() recognition.Snapshot {
	return w.recognizer.Snapshot()
}

// ResetRecognition hides the current result and abandons a pending one.
func (w *Workspace) ResetRecognition() {
	w.recognizer.Reset()
	w.mu.Lock()
	w.resultPreview = ""
	w.resultSeq = 0
	w.mu.Unlock()
}

// SaveLastResult uploads the image behind the displayed result and saves it
// as a new car. Nothing is added locally unless both writes succeed.
func (w *Workspace) SaveLastResult(ctx context.Context, description string, isPrivate bool) (car.CarRecord, error) {
	u, err := w.user()
	if err != nil {
		return car.CarRecord{}, err
	}

	result := w.recognizer.LastResult()
	if result == nil {
		return car.CarRecord{}, fmt.Errorf("%w: no recognition result to save", car.ErrValidation)
	}
	if result.NoVehicle() {
		return car.CarRecord{}, fmt.Errorf("%w: no car was identified", car.ErrValidation)
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > car.MaxDescriptionLength {
		return car.CarRecord{}, fmt.Errorf("%w: description longer than %d characters", car.ErrValidation, car.MaxDescriptionLength)
	}

	w.mu.Lock()
	previewURL, seq := w.resultPreview, w.resultSeq
	w.mu.Unlock()
	if seq != result.Submission {
		return car.CarRecord{}, fmt.Errorf("%w: image for this result is no longer available", car.ErrValidation)
	}
	data, contentType, ok := w.uploads.Previews().Open(previewURL)
	if !ok {
		return car.CarRecord{}, fmt.Errorf("%w: image for this result is no longer available", car.ErrValidation)
	}

	image := &car.ImagePayload{
		ID:          uuid.NewString(),
		Filename:    "car" + extension(contentType),
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
	imageRef, err := w.backend.UploadCarImage(ctx, u.UserID, image)
	if err != nil {
		w.log.Error().Err(err).Str("owner_id", u.UserID).Msg("failed to upload car image")
		if errors.Is(err, car.ErrValidation) {
			return car.CarRecord{}, err
		}
		return car.CarRecord{}, fmt.Errorf("%w: upload image: %w", car.ErrPersistence, err)
	}

	return w.store.Save(ctx, car.SaveRequest{
		OwnerID:         u.UserID,
		VehicleInfo:     result.VehicleInfo,
		ImageRef:        imageRef,
		Description:     description,
		IsPrivate:       isPrivate,
		AuthorHandle:    u.Handle(),
		AuthorAvatarRef: u.Picture,
	})
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}

// FeedView is a sorted, annotated partition plus its load status.
type FeedView struct {
	Sort   car.SortKey           `json:"sort"`
	Cars   []social.AnnotatedCar `json:"cars"`
	Status feed.Status           `json:"status"`
}

// Feed returns the global feed. With reload the partition is fetched again
// and the identity cache starts a new cycle; a failed reload still returns
// the previous set alongside the error.
func (w *Workspace) Feed(ctx context.Context, sortKey car.SortKey, reload bool) (FeedView, error) {
	var loadErr error
	if reload || !w.store.Status(feed.Global).Loaded {
		_, loadErr = w.store.LoadAll(ctx)
		w.annotator.Invalidate()
	}

	actor := w.session.ActorID()
	records := w.store.Project(feed.Global, sortKey)
	visible := records[:0]
	for _, rec := range records {
		if rec.IsPrivate && rec.OwnerID != actor {
			continue
		}
		visible = append(visible, rec)
	}
	return w.view(ctx, feed.Global, sortKey, visible), loadErr
}

// Saved returns the signed-in user's own cars, private ones included.
func (w *Workspace) Saved(ctx context.Context, sortKey car.SortKey, reload bool) (FeedView, error) {
	u, err := w.user()
	if err != nil {
		return FeedView{}, err
	}
	id := feed.OwnerPartition(u.UserID)

	var loadErr error
	if reload || !w.store.Status(id).Loaded {
		_, loadErr = w.store.LoadForOwner(ctx, u.UserID)
	}
	return w.view(ctx, id, sortKey, w.store.Project(id, sortKey)), loadErr
}

func (w *Workspace) view(ctx context.Context, id feed.PartitionID, sortKey car.SortKey, records []car.CarRecord) FeedView {
	return FeedView{
		Sort:   sortKey,
		Cars:   w.annotator.AnnotateRecords(ctx, records),
		Status: w.store.Status(id),
	}
}

func (w *Workspace) Delete(ctx context.Context, key car.Key) error {
	u, err := w.user()
	if err != nil {
		return err
	}
	if key.OwnerID != u.UserID {
		return fmt.Errorf("%w: only the owner can delete a car", car.ErrValidation)
	}
	return w.store.Delete(ctx, key)
}

func (w *Workspace) Like(ctx context.Context, key car.Key) (reaction.Result, error) {
	return w.reactions.Like(ctx, key, w.session.ActorID())
}

func (w *Workspace) Unlike(ctx context.Context, key car.Key) (reaction.Result, error) {
	return w.reactions.Unlike(ctx, key, w.session.ActorID())
}

// UpdateUsername renames the signed-in user. Their cached identity is
// dropped so the next feed render resolves the new name.
func (w *Workspace) UpdateUsername(ctx context.Context, newUsername string) error {
	u, err := w.user()
	if err != nil {
		return err
	}
	newUsername = strings.TrimSpace(newUsername)
	if newUsername == "" {
		return fmt.Errorf("%w: username is required", car.ErrValidation)
	}
	if err := w.backend.UpdateUsername(ctx, u.UserID, newUsername); err != nil {
		return err
	}
	w.annotator.Forget(u.UserID)
	w.log.Info().Str("owner_id", u.UserID).Str("username", newUsername).Msg("username updated")
	return nil
}

// UploadProfilePhoto ingests ev under the profile policy and uploads it.
func (w *Workspace) UploadProfilePhoto(ctx context.Context, ev ingest.Event) (string, error) {
	u, err := w.user()
	if err != nil {
		return "", err
	}
	payload, err := w.profile.Ingest(ev)
	if err != nil {
		return "", err
	}
	defer w.profile.Discard(payload.ID)

	url, err := w.backend.UploadProfilePhoto(ctx, u.UserID, payload)
	if err != nil {
		return "", err
	}
	w.annotator.Forget(u.UserID)
	w.log.Info().Str("owner_id", u.UserID).Msg("profile photo updated")
	return url, nil
}

// OpenPreview returns the bytes behind a preview locator of either slot.
func (w *Workspace) OpenPreview(url string) ([]byte, string, bool) {
	if data, ct, ok := w.uploads.Previews().Open(url); ok {
		return data, ct, true
	}
	return w.profile.Previews().Open(url)
}

// ReleasePreview revokes a locator the UI stopped displaying.
func (w *Workspace) ReleasePreview(url string) bool {
	if w.uploads.Release(url) {
		return true
	}
	return w.profile.Release(url)
}

func (w *Workspace) Status() []feed.Status {
	out := []feed.Status{w.store.Status(feed.Global)}
	if actor := w.session.ActorID(); actor != "" {
		out = append(out, w.store.Status(feed.OwnerPartition(actor)))
	}
	return out
}

// Close abandons pending recognition and releases every preview.
func (w *Workspace) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.recognizer.Reset()
	w.uploads.Close()
	w.profile.Close()
	w.log.Debug().Msg("workspace closed")
}
