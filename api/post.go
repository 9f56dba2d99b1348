package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/ntouber/carpool-backend/internal/middleware"
	"github.com/ntouber/carpool-backend/post"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type postResponse struct {
	ID            string            `json:"id"`
	DriverID      string            `json:"driver_id"`
	ClientID      string            `json:"client_id"`
	VehicleInfo   *string           `json:"vehicle_info"`
	Status        post.Status       `json:"status"`
	StartPoint    post.Location     `json:"starting_point"`
	Destination   post.Location     `json:"destination"`
	MeetPoint     post.Location     `json:"meet_point"`
	DepartureTime time.Time         `json:"departure_time"`
	Timestamp     time.Time         `json:"timestamp"`
	Notes         *string           `json:"notes"`
	Description   *string           `json:"description"`
	Helmet        bool              `json:"helmet"`
	Contact       map[string]string `json:"contact_info"`
	Leave         bool              `json:"leave"`
	ImageURL      *string           `json:"image_url"`
}

func toPostResponse(p post.DriverPost) postResponse {
	contact := map[string]string(p.Contact)
	if contact == nil {
		contact = map[string]string{}
	}
	return postResponse{
		ID:            p.ID,
		DriverID:      p.DriverID,
		ClientID:      p.ClientID,
		VehicleInfo:   p.VehicleInfo,
		Status:        p.Status,
		StartPoint:    p.StartPoint,
		Destination:   p.Destination,
		MeetPoint:     p.MeetPoint,
		DepartureTime: p.DepartureTime,
		Timestamp:     p.CreatedAt,
		Notes:         p.Notes,
		Description:   p.Description,
		Helmet:        p.Helmet,
		Contact:       contact,
		Leave:         p.Leave,
		ImageURL:      p.ImageURL,
	}
}

func toPostResponses(posts []post.DriverPost) []postResponse {
	out := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		out = append(out, toPostResponse(p))
	}
	return out
}

type createPostRequest struct {
	ID            string            `json:"id"`
	DriverID      string            `json:"driver_id" binding:"required"`
	ClientID      string            `json:"client_id"`
	VehicleInfo   *string           `json:"vehicle_info"`
	Status        string            `json:"status"`
	StartPoint    post.Location     `json:"starting_point"`
	Destination   post.Location     `json:"destination"`
	MeetPoint     post.Location     `json:"meet_point"`
	DepartureTime time.Time         `json:"departure_time" binding:"required"`
	Notes         *string           `json:"notes"`
	Description   *string           `json:"description"`
	Helmet        bool              `json:"helmet"`
	Contact       map[string]string `json:"contact_info"`
	Leave         bool              `json:"leave"`
	ImageURL      *string           `json:"image_url"`
}

func (r createPostRequest) toPost() *post.DriverPost {
	return &post.DriverPost{
		ID:            r.ID,
		DriverID:      r.DriverID,
		ClientID:      r.ClientID,
		VehicleInfo:   r.VehicleInfo,
		Status:        post.Status(r.Status),
		StartPoint:    r.StartPoint,
		Destination:   r.Destination,
		MeetPoint:     r.MeetPoint,
		DepartureTime: r.DepartureTime,
		Notes:         r.Notes,
		Description:   r.Description,
		Helmet:        r.Helmet,
		Contact:       post.Contact(r.Contact),
		Leave:         r.Leave,
		ImageURL:      r.ImageURL,
	}
}

// nullableString tells an absent key apart from an explicit null.
type nullableString struct {
	present bool
	value   *string
}

func (n *nullableString) UnmarshalJSON(b []byte) error {
	n.present = true
	if string(b) == "null" {
		n.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n.value = &s
	return nil
}

// patchPostRequest leaves a field untouched when it is absent from the body.
// A null vehicle_info, notes, description or image_url clears the field.
type patchPostRequest struct {
	ClientID      *string           `json:"client_id"`
	VehicleInfo   nullableString    `json:"vehicle_info"`
	Status        *string           `json:"status"`
	StartPoint    *post.Location    `json:"starting_point"`
	Destination   *post.Location    `json:"destination"`
	MeetPoint     *post.Location    `json:"meet_point"`
	DepartureTime *time.Time        `json:"departure_time"`
	Notes         nullableString    `json:"notes"`
	Description   nullableString    `json:"description"`
	Helmet        *bool             `json:"helmet"`
	Contact       map[string]string `json:"contact_info"`
	Leave         *bool             `json:"leave"`
	ImageURL      nullableString    `json:"image_url"`
}

func (r patchPostRequest) toPatch() post.Patch {
	pt := post.Patch{
		ClientID:      r.ClientID,
		VehicleInfo:   r.VehicleInfo.value,
		StartPoint:    r.StartPoint,
		Destination:   r.Destination,
		MeetPoint:     r.MeetPoint,
		DepartureTime: r.DepartureTime,
		Notes:         r.Notes.value,
		Description:   r.Description.value,
		Helmet:        r.Helmet,
		Contact:       post.Contact(r.Contact),
		Leave:         r.Leave,
		ImageURL:      r.ImageURL.value,
	}
	if r.Status != nil {
		s := post.Status(*r.Status)
		pt.Status = &s
	}
	for _, f := range []struct {
		field nullableString
		col   post.Nullable
	}{
		{r.VehicleInfo, post.NullVehicleInfo},
		{r.Notes, post.NullNotes},
		{r.Description, post.NullDescription},
		{r.ImageURL, post.NullImageURL},
	} {
		if f.field.present && f.field.value == nil {
			pt.Clear = append(pt.Clear, f.col)
		}
	}
	return pt
}

func (a *API) createPostHandler(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, err := a.posts.Create(c.Request.Context(), req.toPost())
	if err != nil {
		a.writeError(c, "failed to create post", err)
		return
	}
	c.JSON(http.StatusCreated, id)
}

func (a *API) listOpenPostsHandler(c *gin.Context) {
	posts, err := a.posts.ListOpen(c.Request.Context())
	if err != nil {
		a.writeError(c, "failed to list posts", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) listAllPostsHandler(c *gin.Context) {
	posts, err := a.posts.ListAll(c.Request.Context())
	if err != nil {
		a.writeError(c, "failed to list all posts", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) getPostHandler(c *gin.Context) {
	p, err := a.posts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, "failed to get post", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponse(p))
}

// userPostsHandler lists posts where the user drives or rides.
func (a *API) userPostsHandler(c *gin.Context) {
	posts, err := a.posts.GetByUserID(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, "failed to list user posts", err)
		return
	}
	if len(posts) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"code": "POST_NOT_FOUND", "message": "No posts found for user"})
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) driverPostsHandler(c *gin.Context) {
	posts, err := a.posts.GetByDriverID(c.Request.Context(), c.Param("driverId"))
	if err != nil {
		a.writeError(c, "failed to list driver posts", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) searchPostsHandler(c *gin.Context) {
	partial, err := queryBool(c, "partial")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	q := post.SearchQuery{
		StartPoint: c.Query("start_point"),
		EndPoint:   c.Query("end_point"),
		Partial:    partial,
	}
	if raw := c.Query("time"); raw != "" {
		t, err := parseQueryTime(raw)
		if err != nil {
			badRequest(c, "time must be an RFC 3339 timestamp; encode a + offset as %2B")
			return
		}
		q.Time = &t
	}

	posts, err := a.posts.Search(c.Request.Context(), q)
	if err != nil {
		a.writeError(c, "failed to search posts", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) searchByDestinationNameHandler(c *gin.Context) {
	partial, err := queryBool(c, "partial")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := queryPage(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	posts, err := a.posts.SearchByDestinationName(c.Request.Context(), c.Query("name"), partial, page)
	if err != nil {
		a.writeError(c, "failed to search posts by destination", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponses(posts))
}

func (a *API) requestPostHandler(c *gin.Context) {
	postID := c.Query("post_id")
	clientID := c.Query("client_id")
	if postID == "" || clientID == "" {
		badRequest(c, "post_id and client_id are required")
		return
	}

	p, err := a.posts.Request(c.Request.Context(), postID, clientID)
	if err != nil {
		a.writeError(c, "failed to request post", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponse(p))
}

func (a *API) patchPostHandler(c *gin.Context) {
	var req patchPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	p, err := a.posts.Patch(c.Request.Context(), c.Param("id"), req.toPatch())
	if err != nil {
		a.writeError(c, "failed to patch post", err)
		return
	}
	c.JSON(http.StatusOK, toPostResponse(p))
}

func (a *API) uploadImageHandler(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	if fh.Size >= post.MaxImageSize {
		badRequest(c, "image must be smaller than 5MB")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "could not read file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, post.MaxImageSize))
	if err != nil {
		badRequest(c, "could not read file")
		return
	}

	p, err := a.posts.UploadImage(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		a.writeError(c, "failed to upload image", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Image uploaded", "image_url": p.ImageURL})
}

func (a *API) deletePostHandler(c *gin.Context) {
	if err := a.posts.DeleteByID(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, "failed to delete post", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Post deleted"})
}

func (a *API) deleteAllPostsHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	n, err := a.posts.DeleteAll(c.Request.Context())
	if err != nil {
		a.writeError(c, "failed to delete all posts", err)
		return
	}
	admin, _ := middleware.GetAuth0ID(c)
	logger.InfoContext(c, "all posts deleted", "deleted", n, "admin", admin)
	c.JSON(http.StatusOK, gin.H{"message": "All posts deleted", "deleted": n})
}

// writeError maps service errors to responses. Unexpected errors are logged
// and reported without detail.
// conflictMessage hides storage details such as the violated key.
const conflictMessage = "Post conflicts with an existing post"

func (a *API) writeError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, post.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "POST_NOT_FOUND", "message": "Post not found"})
	case errors.Is(err, post.ErrConflict):
		middleware.GetLogger(c).WarnContext(c, msg, "error", err)
		c.JSON(http.StatusConflict, gin.H{"code": "POST_CONFLICT", "message": conflictMessage})
	case errors.Is(err, post.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_STATE", "message": err.Error()})
	case errors.Is(err, post.ErrInvalidArgument):
		badRequest(c, err.Error())
	case errors.Is(err, post.ErrUploadsDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UPLOADS_DISABLED", "message": err.Error()})
	default:
		middleware.GetLogger(c).ErrorContext(c, msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": message})
}

// parseQueryTime reads an RFC 3339 timestamp. An unencoded "+08:00" offset
// arrives as " 08:00" after query decoding, so that form is accepted too.
func parseQueryTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, nil
	}
	if i := strings.LastIndexByte(raw, ' '); i > 0 {
		if t, err2 := time.Parse(time.RFC3339, raw[:i]+"+"+raw[i+1:]); err2 == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func queryBool(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return v, nil
}

func queryPage(c *gin.Context) (post.Page, error) {
	page := post.Page{Limit: defaultPageLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return post.Page{}, errors.New("limit must be a positive integer")
		}
		page.Limit = min(n, maxPageLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return post.Page{}, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}
