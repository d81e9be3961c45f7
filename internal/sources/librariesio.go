package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/models"
)

const (
	librariesIODefaultBaseURL = "https://libraries.io"

	// librariesIOPerPlatform caps how many projects are taken from each
	// platform's ranked listing.
	librariesIOPerPlatform = 20
	librariesIOPageSize    = 50
)

// LibrariesIOSource polls libraries.io across all the platforms it indexes.
// Every request carries the account API key; authenticated requests are
// limited to 60 per minute, which the adaptive limiter stays under.
type LibrariesIOSource struct {
	client  httpclient.Client
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewLibrariesIO creates a libraries.io source. An empty baseURL uses the
// public endpoint.
func NewLibrariesIO(client httpclient.Client, baseURL, apiKey string, logger *slog.Logger) *LibrariesIOSource {
	if baseURL == "" {
		baseURL = librariesIODefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LibrariesIOSource{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("registry", "libraries.io"),
	}
}

// Name implements Source.
func (*LibrariesIOSource) Name() string {
	return "libraries.io"
}

type librariesIOPlatform struct {
	Name string `json:"name"`
}

type librariesIOProject struct {
	Name                     string     `json:"name"`
	Platform                 string     `json:"platform"`
	Description              string     `json:"description"`
	Homepage                 string     `json:"homepage"`
	RepositoryURL            string     `json:"repository_url"`
	Licenses                 string     `json:"licenses"`
	Language                 string     `json:"language"`
	Status                   string     `json:"status"`
	LatestReleaseNumber      string     `json:"latest_release_number"`
	LatestReleasePublishedAt *time.Time `json:"latest_release_published_at"`
}

type librariesIODependency struct {
	Name         string `json:"name"`
	Requirements string `json:"requirements"`
}

// FetchRecent implements Source. It lists the indexed platforms, takes the
// top-ranked projects of each, and resolves details plus latest-release
// dependencies per project. Per-project failures skip that project only.
func (s *LibrariesIOSource) FetchRecent(ctx context.Context) ([]models.Candidate, error) {
	platforms, err := s.fetchPlatforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching platforms: %w", err)
	}

	var candidates []models.Candidate
	for _, platform := range platforms {
		batch, err := s.fetchPlatform(ctx, platform.Name)
		if err != nil {
			s.logger.Warn("Failed to fetch platform listing",
				"platform", platform.Name, "error", err)
			continue
		}
		candidates = append(candidates, batch...)
	}

	return candidates, nil
}

func (s *LibrariesIOSource) fetchPlatforms(ctx context.Context) ([]librariesIOPlatform, error) {
	body, err := s.client.Get(ctx, s.apiURL("/api/platforms", nil))
	if err != nil {
		return nil, err
	}

	var platforms []librariesIOPlatform
	if err := json.Unmarshal(body, &platforms); err != nil {
		return nil, fmt.Errorf("decoding platforms: %w", err)
	}
	return platforms, nil
}

func (s *LibrariesIOSource) fetchPlatform(ctx context.Context, platform string) ([]models.Candidate, error) {
	query := url.Values{}
	query.Set("platforms", strings.ToLower(platform))
	query.Set("sort", "rank")
	query.Set("per_page", fmt.Sprintf("%d", librariesIOPageSize))

	body, err := s.client.Get(ctx, s.apiURL("/api/search", query))
	if err != nil {
		return nil, err
	}

	var projects []librariesIOProject
	if err := json.Unmarshal(body, &projects); err != nil {
		return nil, fmt.Errorf("decoding platform search: %w", err)
	}

	var candidates []models.Candidate
	for i, project := range projects {
		if i == librariesIOPerPlatform {
			break
		}
		candidate, err := s.fetchCandidate(ctx, project)
		if err != nil {
			s.logger.Warn("Failed to fetch project details",
				"platform", project.Platform, "package", project.Name, "error", err)
			continue
		}
		if candidate != nil {
			candidates = append(candidates, *candidate)
		}
	}
	return candidates, nil
}

// fetchCandidate resolves a project's details. A 404 means the project was
// removed between listing and detail fetch; nil, nil is returned.
func (s *LibrariesIOSource) fetchCandidate(ctx context.Context, project librariesIOProject) (*models.Candidate, error) {
	path := fmt.Sprintf("/api/%s/%s", url.PathEscape(strings.ToLower(project.Platform)), url.PathEscape(project.Name))
	body, err := s.client.Get(ctx, s.apiURL(path, nil))
	if err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var details librariesIOProject
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("decoding project details: %w", err)
	}

	var versions []models.CandidateVersion
	var lastUpdated time.Time
	if details.LatestReleaseNumber != "" && details.LatestReleasePublishedAt != nil {
		versions = append(versions, models.CandidateVersion{
			Version:      details.LatestReleaseNumber,
			ReleasedAt:   *details.LatestReleasePublishedAt,
			Dependencies: s.fetchDependencies(ctx, details.Platform, details.Name, details.LatestReleaseNumber),
		})
		lastUpdated = *details.LatestReleasePublishedAt
	}

	tags := []string{strings.ToLower(details.Platform), "libraries.io"}
	if details.Language != "" {
		tags = append(tags, strings.ToLower(details.Language))
	}
	if details.Status != "" {
		tags = append(tags, "status:"+strings.ToLower(details.Status))
	}

	return &models.Candidate{
		Name:        details.Name,
		Description: details.Description,
		Homepage:    details.Homepage,
		Repository:  details.RepositoryURL,
		License:     details.Licenses,
		Tags:        tags,
		LastUpdated: lastUpdated,
		Versions:    versions,
	}, nil
}

// fetchDependencies is best-effort: the endpoint is flaky for some platforms
// and a candidate without dependency edges is still useful.
func (s *LibrariesIOSource) fetchDependencies(ctx context.Context, platform, name, version string) []models.Dependency {
	path := fmt.Sprintf("/api/%s/%s/%s/dependencies",
		url.PathEscape(strings.ToLower(platform)), url.PathEscape(name), url.PathEscape(version))
	body, err := s.client.Get(ctx, s.apiURL(path, nil))
	if err != nil {
		s.logger.Debug("Failed to fetch dependencies",
			"platform", platform, "package", name, "version", version, "error", err)
		return nil
	}

	var payload struct {
		Dependencies []librariesIODependency `json:"dependencies"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	deps := make([]models.Dependency, 0, len(payload.Dependencies))
	for _, dep := range payload.Dependencies {
		deps = append(deps, models.Dependency{
			Name:        dep.Name,
			Requirement: dep.Requirements,
			Kind:        "runtime",
		})
	}
	return deps
}

func (s *LibrariesIOSource) apiURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", s.apiKey)
	return s.baseURL + path + "?" + query.Encode()
}
