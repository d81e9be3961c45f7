package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/models"
	pkgversions "github.com/fossable/fossdb/internal/versions"
)

const (
	npmDefaultBaseURL = "https://registry.npmjs.org"

	// npmSearchLimit bounds one poll; the search endpoint is paged in
	// npmPageSize steps up to this offset.
	npmSearchLimit = 200
	npmPageSize    = 50

	// npmMaxVersions caps how many versions are kept per package.
	npmMaxVersions = 5
)

// NPMSource polls the npm registry for recently updated packages.
type NPMSource struct {
	client      httpclient.Client
	baseURL     string
	lastUpdated LastUpdatedFunc
	logger      *slog.Logger
}

// NewNPM creates an npm source. An empty baseURL uses the public registry.
func NewNPM(client httpclient.Client, baseURL string, lastUpdated LastUpdatedFunc, logger *slog.Logger) *NPMSource {
	if baseURL == "" {
		baseURL = npmDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NPMSource{
		client:      client,
		baseURL:     baseURL,
		lastUpdated: lastUpdated,
		logger:      logger.With("registry", "npm"),
	}
}

// Name implements Source.
func (*NPMSource) Name() string {
	return "npm"
}

type npmSearchResponse struct {
	Objects []npmSearchObject `json:"objects"`
}

type npmSearchObject struct {
	Package npmSearchPackage `json:"package"`
}

type npmSearchPackage struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Keywords    []string  `json:"keywords"`
	Date        time.Time `json:"date"`
	Links       npmLinks  `json:"links"`
}

type npmLinks struct {
	Homepage   string `json:"homepage"`
	Repository string `json:"repository"`
}

type npmPackageDoc struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Homepage    string                    `json:"homepage"`
	License     json.RawMessage           `json:"license"`
	Repository  json.RawMessage           `json:"repository"`
	Versions    map[string]npmVersionInfo `json:"versions"`
	Time        map[string]time.Time      `json:"time"`
}

type npmVersionInfo struct {
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
	Dist         npmDist           `json:"dist"`
}

type npmDist struct {
	Tarball string `json:"tarball"`
	Shasum  string `json:"shasum"`
}

// FetchRecent implements Source. It walks the search endpoint and fetches
// the registry document of each hit newer than its stored timestamp.
func (s *NPMSource) FetchRecent(ctx context.Context) ([]models.Candidate, error) {
	var candidates []models.Candidate

	for from := 0; from < npmSearchLimit; from += npmPageSize {
		page, err := s.search(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("searching npm from offset %d: %w", from, err)
		}
		s.logger.Info("Fetched npm search page", "from", from, "count", len(page.Objects))

		for _, obj := range page.Objects {
			pkg := obj.Package
			if pkg.Name == "" {
				continue
			}
			if s.lastUpdated != nil {
				if stored, ok := s.lastUpdated(ctx, pkg.Name); ok && !pkg.Date.After(stored) {
					s.logger.Debug("Package unchanged since last poll, skipping",
						"package", pkg.Name, "date", pkg.Date)
					continue
				}
			}

			candidate, err := s.fetchCandidate(ctx, pkg)
			if err != nil {
				s.logger.Warn("Failed to fetch npm package document",
					"package", pkg.Name, "error", err)
				continue
			}
			candidates = append(candidates, candidate)
		}

		if len(page.Objects) < npmPageSize {
			break
		}
	}

	return candidates, nil
}

func (s *NPMSource) search(ctx context.Context, from int) (*npmSearchResponse, error) {
	query := url.Values{}
	query.Set("text", "*")
	query.Set("size", fmt.Sprintf("%d", npmPageSize))
	query.Set("from", fmt.Sprintf("%d", from))
	query.Set("quality", "0.65")
	query.Set("popularity", "0.98")
	query.Set("maintenance", "0.5")

	body, err := s.client.Get(ctx, s.baseURL+"/-/v1/search?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var page npmSearchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decoding npm search response: %w", err)
	}
	return &page, nil
}

func (s *NPMSource) fetchCandidate(ctx context.Context, pkg npmSearchPackage) (models.Candidate, error) {
	body, err := s.client.Get(ctx, s.baseURL+"/"+url.PathEscape(pkg.Name))
	if err != nil {
		return models.Candidate{}, err
	}

	var doc npmPackageDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.Candidate{}, fmt.Errorf("decoding npm package document: %w", err)
	}

	homepage := doc.Homepage
	if homepage == "" {
		homepage = pkg.Links.Homepage
	}

	return models.Candidate{
		Name:        pkg.Name,
		Description: firstNonEmpty(doc.Description, pkg.Description),
		Homepage:    homepage,
		Repository:  decodeStringOrURL(doc.Repository),
		License:     decodeLicense(doc.License),
		Tags:        append([]string{"javascript", "npm"}, pkg.Keywords...),
		LastUpdated: pkg.Date,
		Versions:    s.recentVersions(doc, pkg.Date),
	}, nil
}

// recentVersions returns the newest versions of the document, capped at
// npmMaxVersions. Versions without a timestamp fall back to the search
// result's date.
func (s *NPMSource) recentVersions(doc npmPackageDoc, fallback time.Time) []models.CandidateVersion {
	versions := make([]models.CandidateVersion, 0, len(doc.Versions))
	for num, info := range doc.Versions {
		released, ok := doc.Time[num]
		if !ok {
			released = fallback
		}

		var deps []models.Dependency
		for name, requirement := range info.Dependencies {
			deps = append(deps, models.Dependency{
				Name:        name,
				Requirement: requirement,
				Kind:        "runtime",
			})
		}
		sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })

		versions = append(versions, models.CandidateVersion{
			Version:      num,
			ReleasedAt:   released,
			DownloadURL:  info.Dist.Tarball,
			Checksum:     info.Dist.Shasum,
			Dependencies: deps,
		})
	}

	// Newest first; registries occasionally republish several versions with
	// the same timestamp, so the version string breaks ties.
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].ReleasedAt.Equal(versions[j].ReleasedAt) {
			return pkgversions.IsNewer(versions[i].Version, versions[j].Version)
		}
		return versions[i].ReleasedAt.After(versions[j].ReleasedAt)
	})
	if len(versions) > npmMaxVersions {
		versions = versions[:npmMaxVersions]
	}
	return versions
}

// decodeLicense handles npm's two license shapes: a plain SPDX string or an
// object with a type field. Anything else is treated as absent.
func decodeLicense(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}
	return ""
}

// decodeStringOrURL handles npm's repository shapes: a plain string or an
// object with a url field.
func decodeStringOrURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
