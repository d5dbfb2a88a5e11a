package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"golang.org/x/time/rate"
)

const (
	defaultFilmsEndpoint = "https://www.glasgowfilm.org/graphql"
	defaultSiteID        = "103"
	filmsUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:122.0) Gecko/20100101 Firefox/122.0"
	idsFile              = "ids.json"
	filmsDir             = "films"
	postersDir           = "posters"
)

// festivalTitleClasses are the programme classes that make up the festival.
var festivalTitleClasses = []int{196, 211, 229}

const (
	idsQuery        = `query ($titleClassIds: [ID]) { movies( limit: 255 titleClassIds: $titleClassIds ) { data { id name } } }`
	screeningsQuery = `query ($movieId: ID) { showingsForDate( movieId: $movieId ) { data { id time screenId showingBadgeIds } } }`
	filmQuery       = `query ($movieId: ID) { showingsForDate( movieId: $movieId ) { data { movie { id name posterImage synopsis starring directedBy duration allGenres rating ratingReason } } } }`
)

type Screening struct {
	ID       uint32    `json:"id"`
	MovieID  uint32    `json:"movie_id"`
	Time     time.Time `json:"time"`
	ScreenID uint32    `json:"screen_id"`
	BadgeIDs []uint32  `json:"badge_ids"`
}

type Movie struct {
	ID           uint32   `json:"id"`
	Name         string   `json:"name"`
	PosterImage  string   `json:"poster_image"`
	Synopsis     string   `json:"synopsis"`
	Starring     []string `json:"starring"`
	DirectedBy   string   `json:"directed_by"`
	Duration     uint32   `json:"duration"`
	Genres       []string `json:"genres"`
	Rating       string   `json:"rating"`
	RatingReason []string `json:"rating_reason"`
}

// FilmRecord is what gets cached per film.
type FilmRecord struct {
	Movie      *Movie       `json:"movie"`
	Screenings []*Screening `json:"screenings"`
	FetchedAt  time.Time    `json:"fetched_at"`
}

// Showing is one screening joined with its film, screen and strand.
type Showing struct {
	Date         string   `json:"date"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	ID           uint32   `json:"id"`
	FilmID       uint32   `json:"film_id"`
	Title        string   `json:"title"`
	Strand       string   `json:"strand"`
	StrandColor  string   `json:"strand_color,omitempty"`
	Screen       string   `json:"screen"`
	Color        int      `json:"color"`
	Synopsis     string   `json:"synopsis"`
	Starring     []string `json:"starring"`
	Genres       []string `json:"genres"`
	Director     string   `json:"director"`
	Rating       string   `json:"rating"`
	RatingReason []string `json:"rating_reason"`
	Poster       string   `json:"poster"`
}

type FilmClient struct {
	siteID    string
	posterURL string
	stateDir  string
	live      bool
	http      *http.Client
	gql       *graphql.Client
}

func NewFilmClient(cfg FilmsConfig, stateDir string, live bool) *FilmClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &filmTransport{
			base:    http.DefaultTransport,
			limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		},
	}
	gql := graphql.NewClient(cfg.Endpoint, graphql.WithHTTPClient(httpClient))
	gql.Log = func(s string) { slog.Debug("graphql", "exchange", s) }
	return &FilmClient{
		siteID:    cfg.SiteID,
		posterURL: cfg.PosterURL,
		stateDir:  stateDir,
		live:      live,
		http:      httpClient,
		gql:       gql,
	}
}

// filmTransport paces every request to the venue site and reports
// failed exchanges as UpstreamErrors.
type filmTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *filmTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", filmsUserAgent)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, newUpstreamError("fetch", req.URL.String(), 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, newUpstreamError("fetch", req.URL.String(), resp.StatusCode, errors.New(resp.Status))
	}
	return resp, nil
}

// query runs one GraphQL query and returns its data member.
func (c *FilmClient) query(ctx context.Context, source, q string, variables map[string]interface{}) (json.RawMessage, error) {
	req := graphql.NewRequest(q)
	for k, v := range variables {
		req.Var(k, v)
	}
	req.Header.Set("site-id", c.siteID)
	req.Header.Set("client-type", "consumer")

	var data json.RawMessage
	if err := c.gql.Run(ctx, req, &data); err != nil {
		var uerr *UpstreamError
		switch {
		case errors.As(err, &uerr):
			return nil, uerr
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, &DataError{Source: source, Err: err}
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, &DataError{Source: source, Err: errors.New("no data")}
	}
	return data, nil
}

// IDs returns the festival's film id to title map, from ids.json unless
// live or missing.
func (c *FilmClient) IDs(ctx context.Context) (map[uint32]string, error) {
	path := filepath.Join(c.stateDir, idsFile)
	if !c.live {
		if data, err := os.ReadFile(path); err == nil {
			var ids map[uint32]string
			if err := json.Unmarshal(data, &ids); err != nil {
				return nil, &DataError{Source: path, Err: err}
			}
			return ids, nil
		}
	}

	data, err := c.query(ctx, "ids", idsQuery, map[string]interface{}{"titleClassIds": festivalTitleClasses})
	if err != nil {
		return nil, fmt.Errorf("fetching film ids: %w", err)
	}
	ids, err := loadIDs(data)
	if err != nil {
		return nil, err
	}
	if err := writeCache(path, ids); err != nil {
		slog.Warn("caching film ids", "path", path, "err", err)
	}
	return ids, nil
}

// Film returns a film and its screenings, from films/{id}.json unless live
// or missing.
func (c *FilmClient) Film(ctx context.Context, id uint32) (*FilmRecord, error) {
	path := filepath.Join(c.stateDir, filmsDir, fmt.Sprintf("%d.json", id))
	if !c.live {
		if data, err := os.ReadFile(path); err == nil {
			var rec FilmRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, &DataError{Source: path, Err: err}
			}
			return &rec, nil
		}
	}

	vars := map[string]interface{}{"movieId": strconv.FormatUint(uint64(id), 10)}
	data, err := c.query(ctx, "film", filmQuery, vars)
	if err != nil {
		return nil, fmt.Errorf("fetching film %d: %w", id, err)
	}
	movie, err := deserializeFilm(data)
	if err != nil {
		return nil, err
	}
	data, err = c.query(ctx, "screenings", screeningsQuery, vars)
	if err != nil {
		return nil, fmt.Errorf("fetching screenings for %d: %w", id, err)
	}
	screenings, err := deserializeScreenings(id, data)
	if err != nil {
		return nil, err
	}

	rec := &FilmRecord{Movie: movie, Screenings: screenings, FetchedAt: time.Now().UTC()}
	if err := writeCache(path, rec); err != nil {
		slog.Warn("caching film", "path", path, "err", err)
	}
	return rec, nil
}

// Poster downloads a film's poster image into posters/{id}. It returns the
// local path, or "" when no poster URL is configured.
func (c *FilmClient) Poster(ctx context.Context, movie *Movie) (string, error) {
	if c.posterURL == "" || movie.PosterImage == "" {
		return "", nil
	}
	path := filepath.Join(c.stateDir, postersDir, strconv.FormatUint(uint64(movie.ID), 10))
	if !c.live {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	url := strings.TrimRight(c.posterURL, "/") + "/" + movie.PosterImage
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching poster: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newUpstreamError("poster", url, 0, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}

// Showings joins every cached or fetched film with its screenings. Films
// that fail to load are logged and left out.
func (c *FilmClient) Showings(ctx context.Context, r *Resolver) ([]*Showing, error) {
	ids, err := c.IDs(ctx)
	if err != nil {
		return nil, err
	}
	var result []*Showing
	for _, id := range sortedFilmIDs(ids) {
		rec, err := c.Film(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("skipping film", "id", id, "title", ids[id], "err", err)
			continue
		}
		result = append(result, buildShowings(r, rec)...)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date < result[j].Date
		}
		return result[i].Start < result[j].Start
	})
	return result, nil
}

func buildShowings(r *Resolver, rec *FilmRecord) []*Showing {
	var out []*Showing
	for _, s := range rec.Screenings {
		screen, sc := r.ScreenFromID(s.ScreenID)
		strand, st := r.StrandFromBadges(s.BadgeIDs)
		end := s.Time.Add(time.Duration(rec.Movie.Duration) * time.Minute)
		out = append(out, &Showing{
			Date:         s.Time.Format(time.DateOnly),
			Start:        s.Time.Format("15:04"),
			End:          end.Format("15:04"),
			ID:           s.ID,
			FilmID:       rec.Movie.ID,
			Title:        rec.Movie.Name,
			Strand:       strand,
			StrandColor:  st.Color,
			Screen:       screen,
			Color:        sc.Color,
			Synopsis:     rec.Movie.Synopsis,
			Starring:     rec.Movie.Starring,
			Genres:       rec.Movie.Genres,
			Director:     rec.Movie.DirectedBy,
			Rating:       rec.Movie.Rating,
			RatingReason: rec.Movie.RatingReason,
			Poster:       rec.Movie.PosterImage,
		})
	}
	return out
}

func sortedFilmIDs(ids map[uint32]string) []uint32 {
	out := make([]uint32, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeCache(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadIDs(data json.RawMessage) (map[uint32]string, error) {
	var payload struct {
		Movies struct {
			Data []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"data"`
		} `json:"movies"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DataError{Source: "ids", Err: err}
	}
	ids := make(map[uint32]string, len(payload.Movies.Data))
	for _, m := range payload.Movies.Data {
		id, err := parseID(m.ID)
		if err != nil {
			return nil, &DataError{Source: "ids", Item: m.Name, Err: err}
		}
		ids[id] = m.Name
	}
	return ids, nil
}

func deserializeScreenings(movieID uint32, data json.RawMessage) ([]*Screening, error) {
	var payload struct {
		ShowingsForDate struct {
			Data []struct {
				ID              string   `json:"id"`
				Time            string   `json:"time"`
				ScreenID        string   `json:"screenId"`
				ShowingBadgeIDs []string `json:"showingBadgeIds"`
			} `json:"data"`
		} `json:"showingsForDate"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DataError{Source: "screenings", Err: err}
	}

	var result []*Screening
	for _, each := range payload.ShowingsForDate.Data {
		id, err := parseID(each.ID)
		if err != nil {
			return nil, &DataError{Source: "screenings", Item: each.ID, Err: err}
		}
		screenID, err := parseID(each.ScreenID)
		if err != nil {
			return nil, &DataError{Source: "screenings", Item: each.ID, Err: err}
		}
		t, err := parseShowTime(each.Time)
		if err != nil {
			return nil, &DataError{Source: "screenings", Item: each.ID, Err: err}
		}
		var badges []uint32
		for _, b := range each.ShowingBadgeIDs {
			// Unparseable badges carry no strand, so they are dropped.
			if v, err := parseID(b); err == nil {
				badges = append(badges, v)
			}
		}
		result = append(result, &Screening{
			ID:       id,
			MovieID:  movieID,
			Time:     t,
			ScreenID: screenID,
			BadgeIDs: badges,
		})
	}
	return result, nil
}

func deserializeFilm(data json.RawMessage) (*Movie, error) {
	var payload struct {
		ShowingsForDate struct {
			Data []struct {
				Movie *struct {
					ID           string  `json:"id"`
					Name         string  `json:"name"`
					PosterImage  string  `json:"posterImage"`
					Synopsis     string  `json:"synopsis"`
					Starring     *string `json:"starring"`
					DirectedBy   *string `json:"directedBy"`
					Duration     uint32  `json:"duration"`
					AllGenres    *string `json:"allGenres"`
					Rating       *string `json:"rating"`
					RatingReason *string `json:"ratingReason"`
				} `json:"movie"`
			} `json:"data"`
		} `json:"showingsForDate"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DataError{Source: "film", Err: err}
	}
	if len(payload.ShowingsForDate.Data) == 0 || payload.ShowingsForDate.Data[0].Movie == nil {
		return nil, &DataError{Source: "film", Err: errors.New("no showings carry the movie")}
	}
	m := payload.ShowingsForDate.Data[0].Movie
	id, err := parseID(m.ID)
	if err != nil {
		return nil, &DataError{Source: "film", Item: m.Name, Err: err}
	}
	return &Movie{
		ID:           id,
		Name:         m.Name,
		PosterImage:  m.PosterImage,
		Synopsis:     replaceMarkup(m.Synopsis),
		Starring:     splitCSV(deref(m.Starring)),
		DirectedBy:   deref(m.DirectedBy),
		Duration:     m.Duration,
		Genres:       splitCSV(deref(m.AllGenres)),
		Rating:       deref(m.Rating),
		RatingReason: splitCSV(deref(m.RatingReason)),
	}, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// parseShowTime reads the wall-clock date and minute of a showing. The
// trailing zone marker is ignored: the venue publishes local times.
func parseShowTime(s string) (time.Time, error) {
	if len(s) < 16 {
		return time.Time{}, fmt.Errorf("unable to parse %q as a showing time", s)
	}
	return time.Parse("2006-01-02T15:04", s[:16])
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type markupRule struct {
	re   *regexp.Regexp
	repl string
}

// markupRules turn synopsis HTML into typesetting-friendly text. Order
// matters: links and bold are rewritten before the catch-all tag strip.
var markupRules = []markupRule{
	{regexp.MustCompile(`------*`), "----"},
	{regexp.MustCompile(`<a [^>]+>([^<]+)</a>`), "($1)"},
	{regexp.MustCompile(`</?style>`), ""},
	{regexp.MustCompile(`</?font[^>]*>`), ""},
	{regexp.MustCompile(`</?[iI]/?>`), "_"},
	{regexp.MustCompile(`<[bB]>([^<]*)</[bB]>`), "#strong[$1]"},
	{regexp.MustCompile(`</?[^>]+/?>`), ""},
	{regexp.MustCompile(`\$`), `\$$`},
	{regexp.MustCompile(`\*`), `\*`},
}

func replaceMarkup(source string) string {
	for _, rule := range markupRules {
		source = rule.re.ReplaceAllString(source, rule.repl)
	}
	return source
}
