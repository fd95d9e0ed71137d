package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// UpstreamModelInfo is one model entry from fetchAvailableModels.
type UpstreamModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// QuotaInfo reports remaining quota for a model.
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

type fetchModelsResponse struct {
	Models map[string]*UpstreamModelInfo `json:"models,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// FetchAvailableModels queries the model list across endpoints, returning
// the first success.
func FetchAvailableModels(ctx context.Context, token, projectID string, endpoints []string) (map[string]*UpstreamModelInfo, error) {
	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}
	for _, endpoint := range endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+config.PathFetchAvailableModels, bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range config.BaseHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data fetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return data.Models, nil
	}
	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// ListModels returns the available models in Anthropic list format.
func ListModels(ctx context.Context, token string, endpoints []string) (*anthropic.ModelList, error) {
	models, err := FetchAvailableModels(ctx, token, "", endpoints)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	list := &anthropic.ModelList{Data: []anthropic.ModelInfo{}}
	for modelID, info := range models {
		if !isSupportedModel(modelID) {
			continue
		}
		displayName := modelID
		if info != nil && info.DisplayName != "" {
			displayName = info.DisplayName
		}
		list.Data = append(list.Data, anthropic.ModelInfo{
			ID:          modelID,
			Type:        "model",
			DisplayName: displayName,
			CreatedAt:   now,
		})
	}
	return list, nil
}

// GetModelQuotas returns per-model quota info for an account. A missing
// remainingFraction with a resetTime present means the quota is exhausted.
func GetModelQuotas(ctx context.Context, token, projectID string, endpoints []string) (map[string]*QuotaInfo, error) {
	models, err := FetchAvailableModels(ctx, token, projectID, endpoints)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*QuotaInfo)
	for modelID, info := range models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}
		quota := &QuotaInfo{ResetTime: info.QuotaInfo.ResetTime}
		if info.QuotaInfo.RemainingFraction != nil {
			quota.RemainingFraction = info.QuotaInfo.RemainingFraction
		} else if info.QuotaInfo.ResetTime != nil {
			quota.RemainingFraction = utils.Ptr(0.0)
		}
		quotas[modelID] = quota
	}
	return quotas, nil
}
