package backend

import (
	"carspot-service/internal/domain/car"
)

// envelope is the shape every backend response shares.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type carInfoDTO struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  string `json:"year"`
	Link  string `json:"link,omitempty"`
}

type carDTO struct {
	UserID         string     `json:"userId"`
	SavedAt        string     `json:"savedAt"`
	CarInfo        carInfoDTO `json:"carInfo"`
	ImageURL       string     `json:"imageUrl"`
	Likes          int        `json:"likes"`
	LikedBy        []string   `json:"likedBy,omitempty"`
	Description    string     `json:"description,omitempty"`
	IsPrivate      bool       `json:"isPrivate,omitempty"`
	Username       string     `json:"username,omitempty"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
}

func (d carDTO) toRecord() (car.CarRecord, error) {
	createdAt, err := car.ParseTimestamp(d.SavedAt)
	if err != nil {
		return car.CarRecord{}, err
	}
	likes := d.Likes
	if likes < 0 {
		likes = 0
	}
	return car.CarRecord{
		OwnerID:   d.UserID,
		CreatedAt: createdAt,
		SavedAt:   d.SavedAt,
		VehicleInfo: car.VehicleInfo{
			Make:  d.CarInfo.Make,
			Model: d.CarInfo.Model,
			Year:  d.CarInfo.Year,
			Link:  d.CarInfo.Link,
		},
		ImageRef:        d.ImageURL,
		LikeCount:       likes,
		LikedBy:         dedupe(d.LikedBy),
		Description:     d.Description,
		IsPrivate:       d.IsPrivate,
		AuthorHandle:    d.Username,
		AuthorAvatarRef: d.ProfilePicture,
	}, nil
}

func fromRecord(r car.CarRecord) carDTO {
	return carDTO{
		UserID:  r.OwnerID,
		SavedAt: r.Key().Stamp(),
		CarInfo: carInfoDTO{
			Make:  r.VehicleInfo.Make,
			Model: r.VehicleInfo.Model,
			Year:  r.VehicleInfo.Year,
			Link:  r.VehicleInfo.Link,
		},
		ImageURL:       r.ImageRef,
		Likes:          r.LikeCount,
		LikedBy:        r.LikedBy,
		Description:    r.Description,
		IsPrivate:      r.IsPrivate,
		Username:       r.AuthorHandle,
		ProfilePicture: r.AuthorAvatarRef,
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type carsResponse struct {
	envelope
	Cars []carDTO `json:"cars"`
}

type saveResponse struct {
	envelope
	SavedAt string `json:"savedAt,omitempty"`
}

type likeResponse struct {
	envelope
	Likes   int      `json:"likes"`
	LikedBy []string `json:"likedBy,omitempty"`
}

type usernamesResponse struct {
	envelope
	Usernames map[string]string `json:"usernames"`
}

type photosResponse struct {
	envelope
	Photos map[string]string `json:"photos"`
}

type imageUploadResponse struct {
	envelope
	ImageURL string `json:"imageUrl,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

type updateUsernameRequest struct {
	UserID      string `json:"user_id"`
	NewUsername string `json:"new_username"`
}
