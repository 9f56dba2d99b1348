package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ntouber/carpool-backend/api"
	"github.com/ntouber/carpool-backend/post"
)

const adminToken = "admin-secret"

type TestServer struct {
	Router *gin.Engine
	Store  *post.MemoryStore
	Images *memoryImages
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	return newTestServer(t, post.Options{OneOpenPostPerDriver: true})
}

func newTestServer(t *testing.T, opts post.Options) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	store := post.NewMemoryStore(opts)
	images := &memoryImages{objects: map[string][]byte{}}

	svc := post.NewService(store, logger,
		post.WithImageStore(images),
		post.WithMetrics(post.NewMetrics(registry)),
	)

	a, err := api.New(svc, logger, registry, api.Config{
		AdminAuth:       fakeAdminAuth(),
		MetricsUsername: "metrics",
		MetricsPassword: "metrics",
	})
	if err != nil {
		t.Fatalf("failed to build api: %v", err)
	}

	return &TestServer{Router: a.Router(), Store: store, Images: images}
}

// fakeAdminAuth accepts a fixed bearer token in place of a real JWT.
func fakeAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"})
			return
		}
		c.Next()
	}
}

type memoryImages struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryImages) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "https://images.example.com/" + key, nil
}

var adminHeaders = map[string]string{"Authorization": "Bearer " + adminToken}

func (ts *TestServer) do(req *http.Request, headers map[string]string) *httptest.ResponseRecorder {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil), headers)
}

func (ts *TestServer) DELETE(path string, headers map[string]string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodDelete, path, nil), headers)
}

func (ts *TestServer) POST(path string, body interface{}) *httptest.ResponseRecorder {
	return ts.sendJSON(http.MethodPost, path, body)
}

func (ts *TestServer) PATCH(path string, body interface{}) *httptest.ResponseRecorder {
	return ts.sendJSON(http.MethodPatch, path, body)
}

func (ts *TestServer) sendJSON(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(req, nil)
}

func (ts *TestServer) UploadImage(t *testing.T, postID string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "photo.bin")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	fw.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPatch, "/posts/"+postID+"/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(req, nil)
}

// CreateTestPost creates a post through the API and returns its id.
func (ts *TestServer) CreateTestPost(t *testing.T, body map[string]any) string {
	t.Helper()
	w := ts.POST("/posts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create test post: %d %s", w.Code, w.Body.String())
	}
	var id string
	if err := json.Unmarshal(w.Body.Bytes(), &id); err != nil {
		t.Fatalf("failed to unmarshal id: %v", err)
	}
	return id
}

func postBody(driverID, departure string) map[string]any {
	return map[string]any{
		"driver_id":      driverID,
		"vehicle_info":   "Scooter ABC-123",
		"starting_point": map[string]any{"Name": "NTOU", "Address": "2 Beining Rd, Keelung"},
		"destination":    map[string]any{"Name": "Taipei Main Station", "Address": "Zhongzheng District, Taipei"},
		"meet_point":     map[string]any{"Name": "Main Gate", "Address": "NTOU campus"},
		"departure_time": departure,
		"helmet":         true,
		"contact_info":   map[string]string{"line": "driver-" + driverID},
	}
}

type postResponse struct {
	ID            string            `json:"id"`
	DriverID      string            `json:"driver_id"`
	ClientID      string            `json:"client_id"`
	VehicleInfo   *string           `json:"vehicle_info"`
	Status        string            `json:"status"`
	StartPoint    map[string]any    `json:"starting_point"`
	Destination   map[string]any    `json:"destination"`
	MeetPoint     map[string]any    `json:"meet_point"`
	DepartureTime string            `json:"departure_time"`
	Timestamp     string            `json:"timestamp"`
	Notes         *string           `json:"notes"`
	Helmet        bool              `json:"helmet"`
	Contact       map[string]string `json:"contact_info"`
	ImageURL      *string           `json:"image_url"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return v
}

func postIDs(posts []postResponse) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}
