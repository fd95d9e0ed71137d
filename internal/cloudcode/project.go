package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// ProjectResolver discovers and caches the Cloud Code project ID per
// account. Discovery calls loadCodeAssist across endpoints; when nothing
// answers, the shared default project is used. Entries live until
// explicitly cleared.
type ProjectResolver struct {
	httpClient *http.Client
	endpoints  []string

	mu    sync.Mutex
	cache map[string]string
}

// NewProjectResolver creates a resolver with the loadCodeAssist endpoint
// order from cfg.
func NewProjectResolver(cfg *config.Config) *ProjectResolver {
	return &ProjectResolver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoints:  cfg.LoadCodeAssistEndpoints,
		cache:      make(map[string]string),
	}
}

// Resolve returns the project ID for the account. Order: the cache, an
// explicitly configured project, loadCodeAssist discovery, the default.
func (r *ProjectResolver) Resolve(ctx context.Context, email, configuredProjectID, accessToken string) string {
	r.mu.Lock()
	if projectID, ok := r.cache[email]; ok {
		r.mu.Unlock()
		return projectID
	}
	r.mu.Unlock()

	projectID := configuredProjectID
	if projectID == "" {
		projectID = r.discover(ctx, accessToken)
	}
	if projectID == "" {
		utils.Debug("[CloudCode] No project discovered for %s, using default", utils.MaskEmail(email))
		projectID = config.DefaultProjectID
	}

	r.mu.Lock()
	r.cache[email] = projectID
	r.mu.Unlock()
	return projectID
}

func (r *ProjectResolver) discover(ctx context.Context, accessToken string) string {
	for _, endpoint := range r.endpoints {
		projectID, err := r.tryEndpoint(ctx, endpoint, accessToken)
		if err != nil {
			utils.Warn("[CloudCode] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID
		}
	}
	return ""
}

func (r *ProjectResolver) tryEndpoint(ctx context.Context, endpoint, accessToken string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+config.PathLoadCodeAssist, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.BaseHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}

	// cloudaicompanionProject is either a string or an object with an id.
	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, nil
		}
	}
	return "", nil
}

// ClearCache drops the cached project for an email, forcing rediscovery.
func (r *ProjectResolver) ClearCache(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, email)
}

// ClearAll drops every cached project.
func (r *ProjectResolver) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}
