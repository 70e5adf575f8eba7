package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carspot-service/internal/domain/car"
)

const maxResponseBytes = 8 << 20

// Client talks to the external car API. Every method maps a falsy success
// flag onto the same error class as a transport failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        log.With().Str("component", "backend").Logger(),
	}
}

// LikeResult is the authoritative state the backend returns after a reaction.
// LikedBy is nil when the backend only reports the count.
type LikeResult struct {
	Likes   int
	LikedBy []string
}

func (c *Client) ListAll(ctx context.Context) ([]car.CarRecord, error) {
	var resp carsResponse
	if err := c.do(ctx, http.MethodGet, "/get-all-cars", nil, "", &resp); err != nil {
		return nil, err
	}
	return c.records(resp.Cars), nil
}

func (c *Client) ListForOwner(ctx context.Context, ownerID string) ([]car.CarRecord, error) {
	var resp carsResponse
	if err := c.do(ctx, http.MethodGet, "/get-user-cars/"+url.PathEscape(ownerID), nil, "", &resp); err != nil {
		return nil, err
	}
	return c.records(resp.Cars), nil
}

// records converts wire cars, dropping entries whose identity cannot be parsed.
func (c *Client) records(cars []carDTO) []car.CarRecord {
	out := make([]car.CarRecord, 0, len(cars))
	for _, dto := range cars {
		rec, err := dto.toRecord()
		if err != nil || rec.OwnerID == "" {
			c.log.Warn().Err(err).Str("owner_id", dto.UserID).Str("saved_at", dto.SavedAt).Msg("skipping car with invalid key")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// SaveCar writes rec and returns the key the backend settled on. Without a
// savedAt echo that is rec's own key.
func (c *Client) SaveCar(ctx context.Context, rec car.CarRecord) (car.Key, error) {
	body, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return car.Key{}, fmt.Errorf("failed to encode car: %w", err)
	}
	var resp saveResponse
	if err := c.do(ctx, http.MethodPost, "/save-car", bytes.NewReader(body), "application/json", &resp); err != nil {
		return car.Key{}, err
	}
	key := rec.Key()
	if key.SavedAt == "" {
		key.SavedAt = car.FormatTimestamp(rec.CreatedAt)
	}
	if resp.SavedAt == "" || resp.SavedAt == key.SavedAt {
		return key, nil
	}
	createdAt, err := car.ParseTimestamp(resp.SavedAt)
	if err != nil {
		return car.Key{}, fmt.Errorf("%w: save returned %v", car.ErrTransport, err)
	}
	return car.Key{OwnerID: rec.OwnerID, CreatedAt: createdAt, SavedAt: resp.SavedAt}, nil
}

func (c *Client) DeleteCar(ctx context.Context, key car.Key) error {
	var resp envelope
	return c.do(ctx, http.MethodDelete, "/delete-car/"+keyPath(key), nil, "", &resp)
}

func (c *Client) Like(ctx context.Context, key car.Key, actorID string) (LikeResult, error) {
	return c.react(ctx, "/like-car/", key, actorID)
}

func (c *Client) Unlike(ctx context.Context, key car.Key, actorID string) (LikeResult, error) {
	return c.react(ctx, "/unlike-car/", key, actorID)
}

func (c *Client) react(ctx context.Context, prefix string, key car.Key, actorID string) (LikeResult, error) {
	var resp likeResponse
	path := prefix + keyPath(key) + "/" + url.PathEscape(actorID)
	if err := c.do(ctx, http.MethodPost, path, nil, "", &resp); err != nil {
		return LikeResult{}, err
	}
	likes := resp.Likes
	if likes < 0 {
		likes = 0
	}
	return LikeResult{Likes: likes, LikedBy: dedupe(resp.LikedBy)}, nil
}

func (c *Client) CurrentUsernames(ctx context.Context, ownerIDs []string) (map[string]string, error) {
	body, err := json.Marshal(ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode owner ids: %w", err)
	}
	var resp usernamesResponse
	if err := c.do(ctx, http.MethodPost, "/get-current-usernames", bytes.NewReader(body), "application/json", &resp); err != nil {
		return nil, err
	}
	return resp.Usernames, nil
}

func (c *Client) ProfilePhotos(ctx context.Context, ownerIDs []string) (map[string]string, error) {
	body, err := json.Marshal(ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode owner ids: %w", err)
	}
	var resp photosResponse
	if err := c.do(ctx, http.MethodPost, "/get-profile-photos", bytes.NewReader(body), "application/json", &resp); err != nil {
		return nil, err
	}
	return resp.Photos, nil
}

func (c *Client) UpdateUsername(ctx context.Context, ownerID, newUsername string) error {
	body, err := json.Marshal(updateUsernameRequest{UserID: ownerID, NewUsername: newUsername})
	if err != nil {
		return fmt.Errorf("failed to encode username update: %w", err)
	}
	var resp envelope
	return c.do(ctx, http.MethodPost, "/update-username", bytes.NewReader(body), "application/json", &resp)
}

// UploadCarImage stores the image in external storage and returns its locator.
func (c *Client) UploadCarImage(ctx context.Context, ownerID string, payload *car.ImagePayload) (string, error) {
	var resp imageUploadResponse
	if err := c.upload(ctx, "/upload-car-image/"+url.PathEscape(ownerID), payload, &resp); err != nil {
		return "", err
	}
	if resp.ImageURL == "" {
		return "", fmt.Errorf("%w: upload returned no image url", car.ErrTransport)
	}
	return resp.ImageURL, nil
}

func (c *Client) UploadProfilePhoto(ctx context.Context, ownerID string, payload *car.ImagePayload) (string, error) {
	var resp imageUploadResponse
	if err := c.upload(ctx, "/upload-profile-photo/"+url.PathEscape(ownerID), payload, &resp); err != nil {
		return "", err
	}
	if resp.PhotoURL == "" {
		return "", fmt.Errorf("%w: upload returned no photo url", car.ErrTransport)
	}
	return resp.PhotoURL, nil
}

func (c *Client) upload(ctx context.Context, path string, payload *car.ImagePayload, out successReporter) error {
	body, contentType, err := MultipartImage(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, contentType, out)
}

// MultipartImage encodes payload as a single "file" form field.
func MultipartImage(payload *car.ImagePayload) (*bytes.Buffer, string, error) {
	if payload == nil || len(payload.Data) == 0 {
		return nil, "", &car.Rejection{Reason: car.NoFileSelected}
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := payload.Filename
	if name == "" {
		name = payload.ID
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(payload.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

type successReporter interface {
	ok() (bool, string)
}

func (e envelope) ok() (bool, string) { return e.Success, e.Error }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out successReporter) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend request failed")
		return fmt.Errorf("%w: %s %s: %v", car.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", car.ErrTransport, path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", car.ErrNotFound, method, path)
	}

	decodeErr := json.Unmarshal(raw, out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil {
			if _, e := out.ok(); e != "" {
				msg = e
			}
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("method", method).Str("path", path).Str("error", msg).Msg("backend returned error status")
		return classify(msg, fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: malformed %s response: %v", car.ErrTransport, path, decodeErr)
	}
	if success, msg := out.ok(); !success {
		c.log.Warn().Str("method", method).Str("path", path).Str("error", msg).Msg("backend reported failure")
		return classify(msg, fmt.Sprintf("%s %s", method, path))
	}
	return nil
}

// classify maps a backend error message to the error taxonomy.
func classify(msg, where string) error {
	if strings.Contains(strings.ToLower(msg), "not found") {
		return fmt.Errorf("%w: %s: %s", car.ErrNotFound, where, msg)
	}
	if msg == "" {
		msg = "success flag not set"
	}
	return fmt.Errorf("%w: %s: %s", car.ErrTransport, where, msg)
}

func keyPath(key car.Key) string {
	return url.PathEscape(key.OwnerID) + "/" + url.PathEscape(key.Stamp())
}

// IsRetryable reports whether err is a failure the caller may retry as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, car.ErrTransport)
}
