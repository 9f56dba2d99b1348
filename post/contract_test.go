package post

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store configured with opts.
type storeFactory func(t *testing.T, opts Options) Store

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newPost(id, driverID string, departure time.Time) *DriverPost {
	return &DriverPost{
		ID:            id,
		DriverID:      driverID,
		StartPoint:    Location{Name: "NTOU", Address: "2 Beining Rd, Keelung"},
		Destination:   Location{Name: "Taipei Main Station", Address: "Zhongzheng District, Taipei"},
		MeetPoint:     Location{Name: "Main Gate", Address: "NTOU campus"},
		DepartureTime: departure,
		Contact:       Contact{"line": "driver-" + driverID},
	}
}

func ids(posts []DriverPost) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func mustCreate(t *testing.T, s Store, p *DriverPost) string {
	t.Helper()
	id, err := s.Create(context.Background(), p)
	require.NoError(t, err)
	return id
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("create fills defaults", func(t *testing.T) {
		s := newStore(t, Options{})
		p := newPost("", "driver-1", base)

		id, err := s.Create(ctx, p)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "driver-1", got.DriverID)
		assert.Equal(t, UnassignedClient, got.ClientID)
		assert.Equal(t, StatusOpen, got.Status)
		assert.Equal(t, "Taipei Main Station", got.Destination.Name)
		assert.Equal(t, Contact{"line": "driver-driver-1"}, got.Contact)
		assert.True(t, base.Equal(got.DepartureTime), "departure %v", got.DepartureTime)
		assert.False(t, got.CreatedAt.IsZero())
		assert.Nil(t, got.ImageURL)
	})

	t.Run("create keeps caller id and rejects duplicates", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("post-fixed", "driver-1", base))
		assert.Equal(t, "post-fixed", id)

		_, err := s.Create(ctx, newPost("post-fixed", "driver-2", base))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("create validates input", func(t *testing.T) {
		s := newStore(t, Options{})

		_, err := s.Create(ctx, newPost("", "", base))
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = s.Create(ctx, newPost("", "driver-1", time.Time{}))
		assert.ErrorIs(t, err, ErrInvalidArgument)

		p := newPost("", "driver-1", base)
		p.Status = "cancelled"
		_, err = s.Create(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("one open post per driver", func(t *testing.T) {
		s := newStore(t, Options{OneOpenPostPerDriver: true})
		first := mustCreate(t, s, newPost("", "driver-1", base))

		_, err := s.Create(ctx, newPost("", "driver-1", base.Add(time.Hour)))
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.Request(ctx, first, "rider-1")
		require.NoError(t, err)
		mustCreate(t, s, newPost("", "driver-1", base.Add(time.Hour)))
	})

	t.Run("several open posts allowed when policy is off", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("", "driver-1", base))
		mustCreate(t, s, newPost("", "driver-1", base.Add(time.Hour)))

		posts, err := s.GetByDriverID(ctx, "driver-1")
		require.NoError(t, err)
		assert.Len(t, posts, 2)
	})

	t.Run("get missing post", func(t *testing.T) {
		s := newStore(t, Options{})
		_, err := s.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get by driver", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("b", "driver-1", base))
		mustCreate(t, s, newPost("a", "driver-1", base))
		mustCreate(t, s, newPost("c", "driver-2", base))

		posts, err := s.GetByDriverID(ctx, "driver-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(posts))

		posts, err = s.GetByDriverID(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, posts)
		assert.Empty(t, posts)
	})

	t.Run("get by user matches driver or client", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("a", "user-1", base))
		mustCreate(t, s, newPost("b", "driver-2", base))
		mustCreate(t, s, newPost("c", "driver-3", base))
		_, err := s.Request(ctx, "b", "user-1")
		require.NoError(t, err)

		posts, err := s.GetByUserID(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(posts), spew.Sdump(posts))
	})

	t.Run("search by location", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("b", "driver-1", base))
		mustCreate(t, s, newPost("a", "driver-2", base))
		other := newPost("c", "driver-3", base)
		other.Destination = Location{Name: "Banqiao", Address: "New Taipei"}
		mustCreate(t, s, other)

		posts, err := s.Search(ctx, SearchQuery{EndPoint: "taipei main station"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(posts))

		posts, err = s.Search(ctx, SearchQuery{StartPoint: "2 beining rd, keelung"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(posts), "address matches too")

		posts, err = s.Search(ctx, SearchQuery{EndPoint: "Taipei"})
		require.NoError(t, err)
		assert.Empty(t, posts, "exact match needs the whole value")

		posts, err = s.Search(ctx, SearchQuery{EndPoint: "TAIPEI", Partial: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(posts))

		posts, err = s.Search(ctx, SearchQuery{StartPoint: "NTOU", EndPoint: "banqiao"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(posts))
	})

	t.Run("partial search treats wildcards literally", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("a", "driver-1", base))

		posts, err := s.Search(ctx, SearchQuery{EndPoint: "%", Partial: true})
		require.NoError(t, err)
		assert.Empty(t, posts)

		posts, err = s.Search(ctx, SearchQuery{EndPoint: "Main_Station", Partial: true})
		require.NoError(t, err)
		assert.Empty(t, posts)
	})

	t.Run("search time window is inclusive", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("at-start", "driver-1", base))
		mustCreate(t, s, newPost("at-end", "driver-2", base.Add(SearchWindow)))
		mustCreate(t, s, newPost("too-late", "driver-3", base.Add(SearchWindow+time.Second)))
		mustCreate(t, s, newPost("too-early", "driver-4", base.Add(-time.Second)))

		at := base
		posts, err := s.Search(ctx, SearchQuery{Time: &at})
		require.NoError(t, err)
		assert.Equal(t, []string{"at-end", "at-start"}, ids(posts))
	})

	t.Run("search only returns open posts", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("a", "driver-1", base))
		mustCreate(t, s, newPost("b", "driver-2", base))
		_, err := s.Request(ctx, "a", "rider-1")
		require.NoError(t, err)

		posts, err := s.Search(ctx, SearchQuery{EndPoint: "Taipei Main Station"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(posts))
	})

	t.Run("search needs a criterion", func(t *testing.T) {
		s := newStore(t, Options{})
		_, err := s.Search(ctx, SearchQuery{Partial: true})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("search by destination name", func(t *testing.T) {
		s := newStore(t, Options{})
		for _, id := range []string{"a", "b", "c", "d"} {
			mustCreate(t, s, newPost(id, "driver-"+id, base))
		}

		posts, err := s.SearchByDestinationName(ctx, "main station", true, Page{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(posts))

		posts, err = s.SearchByDestinationName(ctx, "main station", true, Page{Limit: 2, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, ids(posts))

		posts, err = s.SearchByDestinationName(ctx, "zhongzheng district, taipei", false, Page{})
		require.NoError(t, err)
		assert.Empty(t, posts, "address is not searched")

		_, err = s.SearchByDestinationName(ctx, " ", false, Page{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("list open and all", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("a", "driver-1", base))
		mustCreate(t, s, newPost("b", "driver-2", base))
		_, err := s.Request(ctx, "a", "rider-1")
		require.NoError(t, err)

		open, err := s.ListOpen(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(open))

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(all))
	})

	t.Run("request matches an open post once", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		p, err := s.Request(ctx, id, "rider-1")
		require.NoError(t, err)
		assert.Equal(t, StatusMatched, p.Status)
		assert.Equal(t, "rider-1", p.ClientID)

		_, err = s.Request(ctx, id, "rider-2")
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "rider-1", got.ClientID)
	})

	t.Run("request errors", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		_, err := s.Request(ctx, "missing", "rider-1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Request(ctx, id, "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("concurrent requests have one winner", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		const riders = 8
		var wg sync.WaitGroup
		errs := make([]error, riders)
		for i := range riders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = s.Request(ctx, id, "rider-"+string(rune('a'+i)))
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidState):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("patch applies only set fields", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		notes := "bring a helmet"
		helmet := true
		meet := Location{Name: "Side Gate", Address: "Zhongzheng Rd"}
		p, err := s.Patch(ctx, id, Patch{
			Notes:     &notes,
			Helmet:    &helmet,
			MeetPoint: &meet,
			Contact:   Contact{"phone": "0912"},
		})
		require.NoError(t, err)
		assert.Equal(t, "bring a helmet", *p.Notes)
		assert.True(t, p.Helmet)
		assert.Equal(t, "Side Gate", p.MeetPoint.Name)
		assert.Equal(t, Contact{"phone": "0912"}, p.Contact)
		assert.Equal(t, "Taipei Main Station", p.Destination.Name)
		assert.Equal(t, StatusOpen, p.Status)
		assert.Nil(t, p.Description)

		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, p.Notes, got.Notes)
	})

	t.Run("patch clears nullable fields", func(t *testing.T) {
		s := newStore(t, Options{})
		in := newPost("", "driver-1", base)
		vehicle, notes, desc := "blue scooter", "gate B", "quiet ride"
		in.VehicleInfo, in.Notes, in.Description = &vehicle, &notes, &desc
		id := mustCreate(t, s, in)

		p, err := s.Patch(ctx, id, Patch{Clear: []Nullable{NullNotes, NullVehicleInfo}})
		require.NoError(t, err)
		assert.Nil(t, p.Notes)
		assert.Nil(t, p.VehicleInfo)
		require.NotNil(t, p.Description)
		assert.Equal(t, "quiet ride", *p.Description)

		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got.Notes)
		assert.Nil(t, got.VehicleInfo)
	})

	t.Run("patch with nothing set returns the post", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		p, err := s.Patch(ctx, id, Patch{})
		require.NoError(t, err)
		assert.Equal(t, id, p.ID)

		_, err = s.Patch(ctx, "missing", Patch{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("patch status only moves forward", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))
		_, err := s.Request(ctx, id, "rider-1")
		require.NoError(t, err)

		open := StatusOpen
		_, err = s.Patch(ctx, id, Patch{Status: &open})
		assert.ErrorIs(t, err, ErrInvalidState)

		closed := StatusClosed
		p, err := s.Patch(ctx, id, Patch{Status: &closed})
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, p.Status)

		_, err = s.Patch(ctx, "missing", Patch{Status: &closed})
		assert.ErrorIs(t, err, ErrNotFound)

		bogus := Status("lost")
		_, err = s.Patch(ctx, id, Patch{Status: &bogus})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("attach image", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		p, err := s.AttachImage(ctx, id, "https://cdn.example.com/a.jpg")
		require.NoError(t, err)
		require.NotNil(t, p.ImageURL)
		assert.Equal(t, "https://cdn.example.com/a.jpg", *p.ImageURL)

		_, err = s.AttachImage(ctx, "missing", "https://cdn.example.com/b.jpg")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete by id", func(t *testing.T) {
		s := newStore(t, Options{})
		id := mustCreate(t, s, newPost("", "driver-1", base))

		require.NoError(t, s.DeleteByID(ctx, id))
		_, err := s.GetByID(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteByID(ctx, id), ErrNotFound)
	})

	t.Run("delete all", func(t *testing.T) {
		s := newStore(t, Options{})
		mustCreate(t, s, newPost("a", "driver-1", base))
		mustCreate(t, s, newPost("b", "driver-2", base))

		n, err := s.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		n, err = s.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
