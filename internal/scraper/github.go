package scraper

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/go-resty/resty/v2"
)

// configFileNames are the filenames counted as configuration when walking a
// repository tree.
var configFileNames = map[string]bool{
	"package.json":   true,
	"tsconfig.json":  true,
	"wrangler.toml":  true,
	"wrangler.json":  true,
	"dockerfile":     true,
	".eslintrc":      true,
	".eslintrc.json": true,
	"go.mod":         true,
	"pyproject.toml": true,
	"cargo.toml":     true,
}

// Config holds configuration for the code-host client.
type Config struct {
	// Org is the organization short repo names resolve against.
	Org string

	// Token is forwarded as a bearer token when set.
	Token string

	// BaseURL is the API root, e.g. https://api.github.com.
	BaseURL string

	// BackupURL is the endpoint switch_endpoint healing flips to.
	BackupURL string
}

// Client scrapes repository metadata and structure from a code-hosting API.
// It issues conditional requests with the stored ETag so unchanged repos cost
// a single request.
type Client struct {
	client *resty.Client
	clock  ids.Clock

	mu      sync.Mutex
	baseURL string
	backup  string
	org     string
}

// New creates a code-host client.
// Parameters:
//   - cfg: client configuration.
//   - clock: time source for LastScrapedAt stamps.
//
// Returns:
//   - *Client: configured client.
func New(cfg Config, clock ids.Clock) *Client {
	client := resty.New()
	client.SetHeader("Accept", "application/vnd.github+json")
	client.SetHeader("User-Agent", "repoplane")
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	return &Client{
		client:  client,
		clock:   clock,
		baseURL: cfg.BaseURL,
		backup:  cfg.BackupURL,
		org:     cfg.Org,
	}
}

// repoResponse mirrors the code-host repository payload.
type repoResponse struct {
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	Stars         int    `json:"stargazers_count"`
	OpenIssues    int    `json:"open_issues_count"`
	Language      string `json:"language"`
}

// treeResponse mirrors the recursive git tree payload.
type treeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// Resolve expands a short repo name against the configured organization.
// Parameters:
//   - repo: short name or full "owner/name".
//
// Returns:
//   - string: full "owner/name".
func (c *Client) Resolve(repo string) string {
	if strings.Contains(repo, "/") {
		return repo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.org + "/" + repo
}

// base returns the currently active API root.
func (c *Client) base() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// Scrape fetches repository metadata and, for full scrapes, the recursive
// file tree. Incremental scrapes send If-None-Match with the stored ETag; a
// 304 response returns nil data, signalling no change.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: scrape task naming the repo and scrape type.
//   - etag: stored ETag from the previous scrape, or empty.
//
// Returns:
//   - *domain.RepoData: scraped record, or nil on an ETag match.
//   - error: non-nil on transport or API failure.
func (c *Client) Scrape(ctx context.Context, task domain.ScrapeTask, etag string) (*domain.RepoData, error) {
	fullName := c.Resolve(task.Repo)

	req := c.client.R().SetContext(ctx).SetResult(&repoResponse{})
	if task.ScrapeType == domain.ScrapeTypeIncremental && etag != "" {
		req.SetHeader("If-None-Match", etag)
	}

	resp, err := req.Get(fmt.Sprintf("%s/repos/%s", c.base(), fullName))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch repo %s: %w", fullName, err)
	}
	if resp.StatusCode() == http.StatusNotModified {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("repo fetch for %s returned %d: %w", fullName, resp.StatusCode(), errUpstream(resp.StatusCode()))
	}

	meta := resp.Result().(*repoResponse)
	data := &domain.RepoData{
		FullName:      fullName,
		Description:   meta.Description,
		DefaultBranch: meta.DefaultBranch,
		Stars:         meta.Stars,
		OpenIssues:    meta.OpenIssues,
		ETag:          resp.Header().Get("ETag"),
		LastScrapedAt: c.clock.Now(),
	}
	data.Structure.PrimaryLanguage = meta.Language

	if task.ScrapeType == domain.ScrapeTypeFull {
		branch := meta.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		structure, err := c.fetchTree(ctx, fullName, branch)
		if err != nil {
			return nil, err
		}
		structure.PrimaryLanguage = meta.Language
		data.Structure = *structure
	}

	return data, nil
}

// fetchTree walks the recursive git tree and classifies its entries.
func (c *Client) fetchTree(ctx context.Context, fullName, branch string) (*domain.RepoStructure, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&treeResponse{}).
		SetQueryParam("recursive", "1").
		Get(fmt.Sprintf("%s/repos/%s/git/trees/%s", c.base(), fullName, branch))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tree for %s: %w", fullName, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tree fetch for %s returned %d: %w", fullName, resp.StatusCode(), errUpstream(resp.StatusCode()))
	}

	tree := resp.Result().(*treeResponse)
	structure := &domain.RepoStructure{}
	dirSeen := map[string]bool{}
	for _, entry := range tree.Tree {
		switch entry.Type {
		case "tree":
			if !dirSeen[entry.Path] {
				dirSeen[entry.Path] = true
				structure.Directories = append(structure.Directories, entry.Path)
			}
		case "blob":
			structure.Files = append(structure.Files, entry.Path)
			name := strings.ToLower(path.Base(entry.Path))
			if configFileNames[name] {
				structure.ConfigFiles = append(structure.ConfigFiles, entry.Path)
			}
			switch name {
			case "package.json":
				structure.HasPackageJSON = true
			case "tsconfig.json":
				structure.HasTSConfig = true
			case "wrangler.toml", "wrangler.json":
				structure.HasWrangler = true
			}
		}
	}
	sort.Strings(structure.Files)
	sort.Strings(structure.Directories)
	sort.Strings(structure.ConfigFiles)
	return structure, nil
}

// SwitchEndpoint flips the client onto the configured backup API root. It
// implements the healer's endpoint switch contract.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - error: non-nil when no backup endpoint is configured.
func (c *Client) SwitchEndpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backup == "" || c.backup == c.baseURL {
		return fmt.Errorf("no backup endpoint configured")
	}
	c.baseURL, c.backup = c.backup, c.baseURL
	return nil
}

// errUpstream classifies an HTTP status as transient or persistent for the
// callers that decide between retry and escalation.
func errUpstream(status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return ErrTransient
	}
	return ErrPersistent
}
