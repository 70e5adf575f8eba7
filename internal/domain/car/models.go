package car

import (
	"fmt"
	"strings"
	"time"
)

// MaxDescriptionLength bounds CarRecord.Description in characters.
const MaxDescriptionLength = 200

// NotAvailable is what the classifier reports for attributes it could not read.
const NotAvailable = "n/a"

type VehicleInfo struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  string `json:"year"`
	Link  string `json:"link,omitempty"`
}

// RecognitionResult is immutable once produced by the recognition client.
type RecognitionResult struct {
	VehicleInfo
	Rarity     string            `json:"rarity,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Submission uint64            `json:"submission"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NoVehicle reports whether the classifier found no car in the image.
func (r RecognitionResult) NoVehicle() bool {
	return strings.EqualFold(r.Make, NotAvailable) || r.Make == ""
}

type ImagePayload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
	PreviewURL  string `json:"preview_url"`
}

// Key identifies a CarRecord. An owner may hold many records, so CreatedAt is
// part of the identity. SavedAt is the backend's savedAt token verbatim and
// is what goes back on the wire; identity compares CreatedAt at full precision.
type Key struct {
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	SavedAt   string    `json:"saved_at,omitempty"`
}

func (k Key) String() string {
	return k.OwnerID + "/" + k.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// Stamp is the savedAt value the backend knows this record by.
func (k Key) Stamp() string {
	if k.SavedAt != "" {
		return k.SavedAt
	}
	return FormatTimestamp(k.CreatedAt)
}

// FormatTimestamp renders a locally stamped createdAt the way the backend
// stores savedAt.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts the backend savedAt format, plain RFC3339 and
// zone-less ISO timestamps, which are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrValidation, s)
}

type CarRecord struct {
	OwnerID         string      `json:"owner_id"`
	CreatedAt       time.Time   `json:"created_at"`
	SavedAt         string      `json:"saved_at,omitempty"`
	VehicleInfo     VehicleInfo `json:"vehicle_info"`
	ImageRef        string      `json:"image_ref"`
	LikeCount       int         `json:"like_count"`
	LikedBy         []string    `json:"liked_by"`
	Description     string      `json:"description,omitempty"`
	IsPrivate       bool        `json:"is_private"`
	AuthorHandle    string      `json:"author_handle,omitempty"`
	AuthorAvatarRef string      `json:"author_avatar_ref,omitempty"`
}

func (r CarRecord) Key() Key {
	return Key{OwnerID: r.OwnerID, CreatedAt: r.CreatedAt, SavedAt: r.SavedAt}
}

// LikedByActor reports whether actorID is in LikedBy.
func (r CarRecord) LikedByActor(actorID string) bool {
	for _, id := range r.LikedBy {
		if id == actorID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share LikedBy backing arrays.
func (r CarRecord) Clone() CarRecord {
	out := r
	if r.LikedBy != nil {
		out.LikedBy = append([]string(nil), r.LikedBy...)
	}
	return out
}

// IdentitySnapshot is the current display identity of an owner. It is joined
// at render time and never written back into a CarRecord.
type IdentitySnapshot struct {
	OwnerID   string `json:"owner_id"`
	Handle    string `json:"handle"`
	AvatarRef string `json:"avatar_ref,omitempty"`
}

type SortKey string

const (
	SortMostRecent  SortKey = "mostRecent"
	SortLeastRecent SortKey = "leastRecent"
	SortMostLiked   SortKey = "mostLiked"
)

// ParseSortKey maps UI values onto a SortKey, defaulting to most recent.
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mostrecent", "recent", "newest":
		return SortMostRecent, nil
	case "leastrecent", "oldest":
		return SortLeastRecent, nil
	case "mostliked", "liked", "likes":
		return SortMostLiked, nil
	}
	return "", fmt.Errorf("%w: unknown sort key %q", ErrValidation, s)
}

// Direction of a like delta.
type Direction int

const (
	Unlike Direction = -1
	Like   Direction = 1
)

func (d Direction) String() string {
	if d == Like {
		return "like"
	}
	return "unlike"
}

type SaveRequest struct {
	OwnerID     string      `json:"owner_id"`
	VehicleInfo VehicleInfo `json:"vehicle_info"`
	ImageRef    string      `json:"image_ref"`
	Description string      `json:"description"`
	IsPrivate   bool        `json:"is_private"`
	// Author snapshot stored alongside the record at write time.
	AuthorHandle    string `json:"author_handle"`
	AuthorAvatarRef string `json:"author_avatar_ref"`
}

// Validate checks the fields a save cannot proceed without.
func (r SaveRequest) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrAuthRequired)
	}
	if r.ImageRef == "" {
		return fmt.Errorf("%w: image reference is required", ErrValidation)
	}
	if n := len([]rune(r.Description)); n > MaxDescriptionLength {
		return fmt.Errorf("%w: description is %d characters, max %d", ErrValidation, n, MaxDescriptionLength)
	}
	return nil
}
