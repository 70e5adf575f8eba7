package ingest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carspot-service/internal/domain/car"
	"carspot-service/internal/metrics"
)

// Policy bounds what an ingress accepts. MaxBytes <= 0 disables the ceiling.
type Policy struct {
	Name     string
	MaxBytes int64
}

// Ingress turns picker and drop events into validated image payloads. It
// keeps at most one active payload and owns the preview locators it hands out.
type Ingress struct {
	policy     Policy
	dropTarget string
	previews   *Previews
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	active *car.ImagePayload
	shown  string
}

func NewIngress(policy Policy, dropTarget string, previews *Previews, m *metrics.Metrics, log zerolog.Logger) *Ingress {
	if previews == nil {
		previews = NewPreviews()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Ingress{
		policy:     policy,
		dropTarget: dropTarget,
		previews:   previews,
		log:        log.With().Str("component", "ingest").Str("policy", policy.Name).Logger(),
		metrics:    m,
	}
}

// Ingest validates the first file of ev. On success the returned payload
// becomes the active one and the previously shown preview is released.
func (i *Ingress) Ingest(ev Event) (*car.ImagePayload, error) {
	payload, err := i.validate(ev)
	if err != nil {
		var rej *car.Rejection
		if errors.As(err, &rej) {
			i.metrics.Ingests.WithLabelValues(string(rej.Reason)).Inc()
			i.log.Debug().Str("event", eventKind(ev)).Str("reason", string(rej.Reason)).Msg("ingest rejected")
		}
		return nil, err
	}

	payload.PreviewURL = i.previews.Allocate(payload.Data, payload.ContentType)

	i.mu.Lock()
	previous := i.shown
	i.active = payload
	i.shown = payload.PreviewURL
	i.mu.Unlock()

	if previous != "" {
		i.previews.Release(previous)
	}

	i.metrics.Ingests.WithLabelValues("accepted").Inc()
	i.log.Info().
		Str("event", ev.kind()).
		Str("payload_id", payload.ID).
		Str("content_type", payload.ContentType).
		Int64("size", payload.Size).
		Msg("image ingested")

	return payload, nil
}

func (i *Ingress) validate(ev Event) (*car.ImagePayload, error) {
	if ev == nil {
		return nil, &car.Rejection{Reason: car.NoFileSelected}
	}
	if drop, ok := ev.(DropEvent); ok {
		if drop.Target == nil || drop.Target.Closest(i.dropTarget) == nil {
			return nil, &car.Rejection{Reason: car.OutsideDropTarget}
		}
	}

	files := ev.files()
	if len(files) == 0 || len(files[0].Data) == 0 {
		return nil, &car.Rejection{Reason: car.NoFileSelected}
	}
	file := files[0]

	size := file.Size
	if n := int64(len(file.Data)); n > size {
		size = n
	}
	if i.policy.MaxBytes > 0 && size > i.policy.MaxBytes {
		return nil, &car.Rejection{
			Reason: car.TooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds %d", size, i.policy.MaxBytes),
		}
	}

	mt := mimetype.Detect(file.Data)
	if !isImage(mt) {
		return nil, &car.Rejection{Reason: car.NotAnImage, Detail: mt.String()}
	}

	return &car.ImagePayload{
		ID:          uuid.NewString(),
		Filename:    file.Name,
		ContentType: mt.String(),
		Size:        size,
		Data:        file.Data,
	}, nil
}

func isImage(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return false
}

// Active returns the payload awaiting or undergoing submission, if any.
func (i *Ingress) Active() *car.ImagePayload {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// Shown returns the preview locator currently on screen.
func (i *Ingress) Shown() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shown
}

// Discard drops the active payload once its submission completed or was
// abandoned. The preview stays on screen until superseded or released.
func (i *Ingress) Discard(payloadID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active != nil && i.active.ID == payloadID {
		i.active = nil
	}
}

// Previews exposes the locator registry for the UI to read bytes from.
func (i *Ingress) Previews() *Previews {
	return i.previews
}

// Release revokes a locator the UI no longer displays.
func (i *Ingress) Release(url string) bool {
	i.mu.Lock()
	if i.shown == url {
		i.shown = ""
	}
	i.mu.Unlock()
	return i.previews.Release(url)
}

// Close releases everything the ingress allocated.
func (i *Ingress) Close() {
	i.mu.Lock()
	i.active = nil
	i.shown = ""
	i.mu.Unlock()
	if n := i.previews.ReleaseAll(); n > 0 {
		i.log.Debug().Int("released", n).Msg("released previews on close")
	}
}
