package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Clark-Hu/project-ratings/internal/domain"
)

// ErrNotFound is returned when the registry does not know the project.
var ErrNotFound = errors.New("registry: not found")

// Client defines the contract for querying the project registry.
type Client interface {
	Fetch(ctx context.Context, projectID uint64) (*domain.Project, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPClient constructs a new HTTP-backed registry client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = log.Default()
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	return &HTTPClient{
		baseURL: parsed,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Fetch retrieves project metadata by id.
func (c *HTTPClient) Fetch(ctx context.Context, projectID uint64) (*domain.Project, error) {
	rel := &url.URL{Path: "/projects/" + strconv.FormatUint(projectID, 10)}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode registry response: %w", err)
		}
		return convertToProject(projectID, payload), nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		c.logger.Printf("registry: unexpected status %d for project %d", resp.StatusCode, projectID)
		return nil, fmt.Errorf("registry: upstream returned %d", resp.StatusCode)
	}
}

type apiResponse struct {
	ProjectID    *uint64    `json:"projectId"`
	Name         *string    `json:"name"`
	URL          *string    `json:"url"`
	Owner        *string    `json:"owner"`
	RegisteredAt *time.Time `json:"registeredAt"`
}

func convertToProject(projectID uint64, payload apiResponse) *domain.Project {
	project := &domain.Project{
		ProjectID: projectID,
		URL:       payload.URL,
		Owner:     payload.Owner,
	}
	if payload.ProjectID != nil {
		project.ProjectID = *payload.ProjectID
	}
	if payload.Name != nil && *payload.Name != "" {
		project.Name = *payload.Name
	} else {
		project.Name = "project-" + strconv.FormatUint(project.ProjectID, 10)
	}
	if payload.RegisteredAt != nil {
		project.RegisteredAt = payload.RegisteredAt.UTC()
	}
	return project
}
