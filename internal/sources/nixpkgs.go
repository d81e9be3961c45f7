package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/fossable/fossdb/internal/models"
)

// Attribute path prefixes emitted by nix search, stripped before eval.
var nixAttrPrefixes = []string{
	"legacyPackages.x86_64-linux.",
	"packages.x86_64-linux.",
}

// NixRunner executes the nix CLI and returns its stdout. Injectable so tests
// do not need a nix installation.
type NixRunner func(ctx context.Context, args ...string) ([]byte, error)

func runNix(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nix", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nix %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// NixpkgsSource discovers packages through the local nix CLI: a search pass
// lists every package, an eval per unseen package pulls its metadata. Known
// packages are skipped entirely; nixpkgs reports no update timestamps.
type NixpkgsSource struct {
	run         NixRunner
	lastUpdated LastUpdatedFunc
	logger      *slog.Logger
	now         func() time.Time
}

// NewNixpkgs creates a nixpkgs source. A nil runner uses the nix binary on
// PATH.
func NewNixpkgs(run NixRunner, lastUpdated LastUpdatedFunc, logger *slog.Logger) *NixpkgsSource {
	if run == nil {
		run = runNix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NixpkgsSource{
		run:         run,
		lastUpdated: lastUpdated,
		logger:      logger.With("registry", "nixpkgs"),
		now:         time.Now,
	}
}

// Name implements Source.
func (*NixpkgsSource) Name() string {
	return "nixpkgs"
}

type nixSearchEntry struct {
	Pname       string `json:"pname"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type nixPackageMeta struct {
	Version string      `json:"version"`
	Meta    nixMetaInfo `json:"meta"`
}

type nixMetaInfo struct {
	Description string          `json:"description"`
	Homepage    json.RawMessage `json:"homepage"`
	License     json.RawMessage `json:"license"`
}

// FetchRecent implements Source. Packages already in the store are skipped; a
// failed eval degrades to the search listing's fields rather than dropping
// the package.
func (s *NixpkgsSource) FetchRecent(ctx context.Context) ([]models.Candidate, error) {
	out, err := s.run(ctx, "search", "nixpkgs", "^", "--json")
	if err != nil {
		return nil, fmt.Errorf("searching nixpkgs: %w", err)
	}

	var listing map[string]nixSearchEntry
	if err := json.Unmarshal(out, &listing); err != nil {
		return nil, fmt.Errorf("decoding nix search output: %w", err)
	}
	s.logger.Info("Searched nixpkgs", "count", len(listing))

	attrPaths := make([]string, 0, len(listing))
	for attrPath := range listing {
		attrPaths = append(attrPaths, attrPath)
	}
	sort.Strings(attrPaths)

	var candidates []models.Candidate
	for _, attrPath := range attrPaths {
		entry := listing[attrPath]
		name := entry.Pname
		if name == "" {
			name = attrPath[strings.LastIndex(attrPath, ".")+1:]
		}

		if s.lastUpdated != nil {
			if _, ok := s.lastUpdated(ctx, name); ok {
				s.logger.Debug("Package already tracked, skipping", "package", name)
				continue
			}
		}

		candidates = append(candidates, s.buildCandidate(ctx, attrPath, name, entry))
	}

	return candidates, nil
}

func (s *NixpkgsSource) buildCandidate(ctx context.Context, attrPath, name string, entry nixSearchEntry) models.Candidate {
	candidate := models.Candidate{
		Name:        name,
		Description: entry.Description,
		Tags:        []string{"nix", "nixpkgs"},
	}
	version := entry.Version

	if meta, err := s.evalPackage(ctx, attrPath); err != nil {
		s.logger.Warn("Failed to eval package metadata, using search fields only",
			"package", name, "error", err)
	} else {
		if meta.Meta.Description != "" {
			candidate.Description = meta.Meta.Description
		}
		candidate.Homepage = decodeStringOrFirst(meta.Meta.Homepage)
		candidate.License = decodeNixLicense(meta.Meta.License)
		if meta.Version != "" {
			version = meta.Version
		}
	}

	if version != "" {
		// nixpkgs does not expose release dates; first sighting stands in.
		candidate.Versions = []models.CandidateVersion{{
			Version:    version,
			ReleasedAt: s.now().UTC(),
		}}
	}
	return candidate
}

func (s *NixpkgsSource) evalPackage(ctx context.Context, attrPath string) (*nixPackageMeta, error) {
	attr := attrPath
	for _, prefix := range nixAttrPrefixes {
		if rest, ok := strings.CutPrefix(attr, prefix); ok {
			attr = rest
			break
		}
	}

	expr := fmt.Sprintf(`with import <nixpkgs> {}; let pkg = %s; in {
		version = pkg.version or null;
		meta = pkg.meta or {};
	}`, attr)

	out, err := s.run(ctx, "eval", "--impure", "--expr", expr, "--json")
	if err != nil {
		return nil, err
	}

	var meta nixPackageMeta
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("decoding nix eval output: %w", err)
	}
	return &meta, nil
}

type nixLicenseInfo struct {
	SpdxID    string `json:"spdxId"`
	ShortName string `json:"shortName"`
	FullName  string `json:"fullName"`
}

func (l nixLicenseInfo) String() string {
	if l.SpdxID != "" {
		return l.SpdxID
	}
	if l.ShortName != "" {
		return l.ShortName
	}
	return l.FullName
}

// decodeNixLicense handles the shapes meta.license takes in nixpkgs: a bare
// string, a license attrset, or a list of attrsets joined with " OR ".
func decodeNixLicense(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var single nixLicenseInfo
	if err := json.Unmarshal(raw, &single); err == nil && single.String() != "" {
		return single.String()
	}
	var multiple []nixLicenseInfo
	if err := json.Unmarshal(raw, &multiple); err == nil {
		parts := make([]string, 0, len(multiple))
		for _, l := range multiple {
			if s := l.String(); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " OR ")
	}
	return ""
}

// decodeStringOrFirst handles fields that are either a string or a list of
// strings (meta.homepage).
func decodeStringOrFirst(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
