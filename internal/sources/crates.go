package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/models"
)

const (
	cratesDefaultBaseURL = "https://crates.io"

	// cratesPages and cratesPageSize bound one poll to the most recently
	// updated crates.
	cratesPages    = 3
	cratesPageSize = 100

	// cratesMaxVersions caps how many non-yanked versions are kept per
	// crate.
	cratesMaxVersions = 10
)

// CratesSource polls crates.io for recently updated crates.
type CratesSource struct {
	client      httpclient.Client
	baseURL     string
	lastUpdated LastUpdatedFunc
	logger      *slog.Logger
}

// NewCrates creates a crates.io source. An empty baseURL uses the public
// crates.io endpoint.
func NewCrates(client httpclient.Client, baseURL string, lastUpdated LastUpdatedFunc, logger *slog.Logger) *CratesSource {
	if baseURL == "" {
		baseURL = cratesDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CratesSource{
		client:      client,
		baseURL:     baseURL,
		lastUpdated: lastUpdated,
		logger:      logger.With("registry", "crates.io"),
	}
}

// Name implements Source.
func (*CratesSource) Name() string {
	return "crates.io"
}

type cratesListResponse struct {
	Crates []cratesListEntry `json:"crates"`
}

type cratesListEntry struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type cratesDetailResponse struct {
	Crate    cratesDetail    `json:"crate"`
	Versions []cratesVersion `json:"versions"`
}

type cratesDetail struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Homepage    string   `json:"homepage"`
	Repository  string   `json:"repository"`
	Keywords    []string `json:"keywords"`
}

type cratesVersion struct {
	Num       string    `json:"num"`
	CreatedAt time.Time `json:"created_at"`
	DlPath    string    `json:"dl_path"`
	Checksum  string    `json:"checksum"`
	License   string    `json:"license"`
	Yanked    bool      `json:"yanked"`
}

// FetchRecent implements Source. It pages through the most recently updated
// crates and fetches full details only for crates newer than their stored
// timestamp. A failed detail fetch skips that crate, not the batch.
func (s *CratesSource) FetchRecent(ctx context.Context) ([]models.Candidate, error) {
	var candidates []models.Candidate

	for page := 1; page <= cratesPages; page++ {
		listing, err := s.fetchPage(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("fetching crates page %d: %w", page, err)
		}
		s.logger.Info("Fetched crates page", "page", page, "count", len(listing.Crates))

		for _, entry := range listing.Crates {
			if s.lastUpdated != nil {
				if stored, ok := s.lastUpdated(ctx, entry.Name); ok && !entry.UpdatedAt.After(stored) {
					s.logger.Debug("Crate unchanged since last poll, skipping",
						"package", entry.Name, "updated_at", entry.UpdatedAt)
					continue
				}
			}

			candidate, err := s.fetchCandidate(ctx, entry)
			if err != nil {
				s.logger.Warn("Failed to fetch crate details",
					"package", entry.Name, "error", err)
				continue
			}
			candidates = append(candidates, candidate)
		}

		if len(listing.Crates) < cratesPageSize {
			break
		}
	}

	return candidates, nil
}

func (s *CratesSource) fetchPage(ctx context.Context, page int) (*cratesListResponse, error) {
	query := url.Values{}
	query.Set("page", fmt.Sprintf("%d", page))
	query.Set("per_page", fmt.Sprintf("%d", cratesPageSize))
	query.Set("sort", "recent-updates")

	body, err := s.client.Get(ctx, s.baseURL+"/api/v1/crates?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var listing cratesListResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decoding crates listing: %w", err)
	}
	return &listing, nil
}

func (s *CratesSource) fetchCandidate(ctx context.Context, entry cratesListEntry) (models.Candidate, error) {
	body, err := s.client.Get(ctx, s.baseURL+"/api/v1/crates/"+url.PathEscape(entry.Name))
	if err != nil {
		return models.Candidate{}, err
	}

	var detail cratesDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		return models.Candidate{}, fmt.Errorf("decoding crate details: %w", err)
	}

	var license string
	versions := make([]models.CandidateVersion, 0, cratesMaxVersions)
	for _, v := range detail.Versions {
		if v.Yanked {
			continue
		}
		if license == "" {
			license = v.License
		}
		versions = append(versions, models.CandidateVersion{
			Version:     v.Num,
			ReleasedAt:  v.CreatedAt,
			DownloadURL: s.baseURL + v.DlPath,
			Checksum:    v.Checksum,
		})
		if len(versions) == cratesMaxVersions {
			break
		}
	}

	name := detail.Crate.Name
	if name == "" {
		name = entry.Name
	}
	description := detail.Crate.Description
	if description == "" {
		description = entry.Description
	}

	return models.Candidate{
		Name:        name,
		Description: description,
		Homepage:    detail.Crate.Homepage,
		Repository:  detail.Crate.Repository,
		License:     license,
		Tags:        append([]string{"rust", "crate"}, detail.Crate.Keywords...),
		LastUpdated: entry.UpdatedAt,
		Versions:    versions,
	}, nil
}
