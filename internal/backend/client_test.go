package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carspot-service/internal/domain/car"
)

const testBaseURL = "http://backend.test"

func setupHTTPMock(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClient(testBaseURL+"/", httpClient, zerolog.Nop())
}

func TestListAll(t *testing.T) {
	c := setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/get-all-cars",
		httpmock.NewStringResponder(http.StatusOK, `{
			"success": true,
			"cars": [
				{"userId": "u1", "savedAt": "2025-01-01T10:00:00.000Z", "carInfo": {"make": "Mazda", "model": "MX-5", "year": "1991"}, "imageUrl": "https://s3.amazonaws.com/a.jpg", "likes": 3, "likedBy": ["a", "b", "a"], "username": "miata"},
				{"userId": "u2", "savedAt": "not a time", "carInfo": {}},
				{"userId": "u3", "savedAt": "2025-01-02T10:00:00.000Z", "carInfo": {"make": "BMW"}, "likes": -4}
			]
		}`))

	cars, err := c.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, cars, 2)

	assert.Equal(t, "u1", cars[0].OwnerID)
	assert.Equal(t, "Mazda", cars[0].VehicleInfo.Make)
	assert.Equal(t, 3, cars[0].LikeCount)
	assert.Equal(t, []string{"a", "b"}, cars[0].LikedBy)
	assert.Equal(t, "miata", cars[0].AuthorHandle)
	assert.Equal(t, 0, cars[1].LikeCount)
}

func TestFalsySuccessIsTransportError(t *testing.T) {
	c := setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/get-user-cars/u1",
		httpmock.NewStringResponder(http.StatusOK, `{"success": false, "error": "dynamo unavailable"}`))

	cars, err := c.ListForOwner(context.Background(), "u1")
	require.Error(t, err)
	assert.Nil(t, cars)
	assert.ErrorIs(t, err, car.ErrTransport)
	assert.Contains(t, err.Error(), "dynamo unavailable")
	assert.True(t, IsRetryable(err))
}

func TestErrorClassification(t *testing.T) {
	key := car.Key{OwnerID: "u1", CreatedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "404", status: http.StatusNotFound, body: `{"detail": "Not Found"}`, wantErr: car.ErrNotFound},
		{name: "not found message", status: http.StatusOK, body: `{"success": false, "error": "Car not found"}`, wantErr: car.ErrNotFound},
		{name: "500 with envelope", status: http.StatusInternalServerError, body: `{"success": false, "error": "boom"}`, wantErr: car.ErrTransport},
		{name: "malformed body", status: http.StatusOK, body: `<html>`, wantErr: car.ErrTransport},
		{name: "missing success flag", status: http.StatusOK, body: `{}`, wantErr: car.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupHTTPMock(t)
			httpmock.RegisterResponder(http.MethodDelete, `=~^http://backend\.test/delete-car/u1/`,
				httpmock.NewStringResponder(tt.status, tt.body))

			err := c.DeleteCar(context.Background(), key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNetworkFailure(t *testing.T) {
	c := setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/get-all-cars",
		httpmock.NewErrorResponder(io.ErrUnexpectedEOF))

	_, err := c.ListAll(context.Background())
	assert.ErrorIs(t, err, car.ErrTransport)
}

func TestLikeUsesKeyAndActorPath(t *testing.T) {
	c := setupHTTPMock(t)
	key := car.Key{OwnerID: "owner-b", CreatedAt: time.Date(2025, 5, 6, 7, 8, 9, 10_000_000, time.UTC)}

	var gotPath string
	httpmock.RegisterResponder(http.MethodPost, `=~^http://backend\.test/like-car/`,
		func(req *http.Request) (*http.Response, error) {
			gotPath = req.URL.Path
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true, "likes": 7, "likedBy": ["actor-a"]}`), nil
		})

	res, err := c.Like(context.Background(), key, "actor-a")
	require.NoError(t, err)

	assert.Equal(t, "/like-car/owner-b/2025-05-06T07:08:09.010Z/actor-a", gotPath)
	assert.Equal(t, 7, res.Likes)
	assert.Equal(t, []string{"actor-a"}, res.LikedBy)
}

func TestSaveCarSendsWireShape(t *testing.T) {
	c := setupHTTPMock(t)
	createdAt := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

	var got map[string]any
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/save-car",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true}`), nil
		})

	saved, err := c.SaveCar(context.Background(), car.CarRecord{
		OwnerID:     "u1",
		CreatedAt:   createdAt,
		VehicleInfo: car.VehicleInfo{Make: "Honda", Model: "S2000", Year: "2004"},
		ImageRef:    "https://img/1.jpg",
		Description: "spotted downtown",
		IsPrivate:   true,
	})
	require.NoError(t, err)

	assert.True(t, saved.CreatedAt.Equal(createdAt))
	assert.Equal(t, "2025-02-03T04:05:06.000Z", saved.SavedAt)
	assert.Equal(t, "u1", got["userId"])
	assert.Equal(t, "2025-02-03T04:05:06.000Z", got["savedAt"])
	assert.Equal(t, "spotted downtown", got["description"])
	assert.Equal(t, true, got["isPrivate"])
	assert.Equal(t, "Honda", got["carInfo"].(map[string]any)["make"])
}

func TestSaveCarPrefersServerTimestamp(t *testing.T) {
	c := setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/save-car",
		httpmock.NewStringResponder(http.StatusOK, `{"success": true, "savedAt": "2025-02-03T04:05:07.123Z"}`))

	saved, err := c.SaveCar(context.Background(), car.CarRecord{OwnerID: "u1", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "u1", saved.OwnerID)
	assert.Equal(t, "2025-02-03T04:05:07.123Z", saved.SavedAt)
	assert.Equal(t, "2025-02-03T04:05:07.123Z", car.FormatTimestamp(saved.CreatedAt))
}

func TestSubMillisecondSavedAtSurvivesRoundTrip(t *testing.T) {
	c := setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/get-all-cars",
		httpmock.NewStringResponder(http.StatusOK, `{
			"success": true,
			"cars": [
				{"userId": "u1", "savedAt": "2024-05-01T10:00:00.123456", "carInfo": {"make": "Audi"}},
				{"userId": "u1", "savedAt": "2024-05-01T10:00:00.123999", "carInfo": {"make": "Saab"}}
			]
		}`))
	var deletedPath string
	httpmock.RegisterResponder(http.MethodDelete, `=~^http://backend\.test/delete-car/`,
		func(req *http.Request) (*http.Response, error) {
			deletedPath = req.URL.Path
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true}`), nil
		})

	cars, err := c.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, cars, 2)
	assert.NotEqual(t, cars[0].Key().String(), cars[1].Key().String())

	require.NoError(t, c.DeleteCar(context.Background(), cars[1].Key()))
	assert.Equal(t, "/delete-car/u1/2024-05-01T10:00:00.123999", deletedPath)
}

func TestUploadCarImage(t *testing.T) {
	c := setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/upload-car-image/u1",
		func(req *http.Request) (*http.Response, error) {
			_, header, err := req.FormFile("file")
			require.NoError(t, err)
			assert.Equal(t, "car.jpg", header.Filename)
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true, "imageUrl": "https://img/u1/car.jpg"}`), nil
		})

	ref, err := c.UploadCarImage(context.Background(), "u1", &car.ImagePayload{ID: "c1", Filename: "car.jpg", Data: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, "https://img/u1/car.jpg", ref)
}

func TestIdentityLookups(t *testing.T) {
	c := setupHTTPMock(t)

	var sent []string
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/get-current-usernames",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&sent))
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true, "usernames": {"u1": "alice"}}`), nil
		})
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/get-profile-photos",
		httpmock.NewStringResponder(http.StatusOK, `{"success": true, "photos": {"u2": "https://p/2.png"}}`))

	names, err := c.CurrentUsernames(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"u1": "alice"}, names)
	assert.Equal(t, []string{"u1", "u2"}, sent)

	photos, err := c.ProfilePhotos(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, "https://p/2.png", photos["u2"])
}

func TestUploadProfilePhoto(t *testing.T) {
	c := setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/upload-profile-photo/u1",
		func(req *http.Request) (*http.Response, error) {
			file, header, err := req.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			data, _ := io.ReadAll(file)
			assert.Equal(t, "me.png", header.Filename)
			assert.Equal(t, []byte("pixels"), data)
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true, "photo_url": "https://p/u1.png"}`), nil
		})

	url, err := c.UploadProfilePhoto(context.Background(), "u1", &car.ImagePayload{ID: "p1", Filename: "me.png", Data: []byte("pixels")})
	require.NoError(t, err)
	assert.Equal(t, "https://p/u1.png", url)

	_, err = c.UploadProfilePhoto(context.Background(), "u1", &car.ImagePayload{})
	assert.ErrorIs(t, err, car.ErrValidation)
}

func TestUpdateUsername(t *testing.T) {
	c := setupHTTPMock(t)

	var got updateUsernameRequest
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/update-username",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
			return httpmock.NewStringResponse(http.StatusOK, `{"success": true}`), nil
		})

	require.NoError(t, c.UpdateUsername(context.Background(), "u1", "new-name"))
	assert.Equal(t, updateUsernameRequest{UserID: "u1", NewUsername: "new-name"}, got)
}
