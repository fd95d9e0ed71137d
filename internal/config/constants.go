// Package config provides the fixed upstream constants and the runtime
// configuration for the relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version is the relay version string.
const Version = "1.0.0"

// Cloud Code API endpoints, in generateContent fallback order.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the endpoint order for generateContent (daily first).
var EndpointFallbacks = []string{
	EndpointDaily,
	EndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist. Prod
// answers for fresh accounts that daily does not know yet.
var LoadCodeAssistEndpoints = []string{
	EndpointProd,
	EndpointDaily,
}

// Cloud Code API paths under /v1internal.
const (
	PathGenerateContent       = "/v1internal:generateContent"
	PathStreamGenerateContent = "/v1internal:streamGenerateContent?alt=sse"
	PathLoadCodeAssist        = "/v1internal:loadCodeAssist"
	PathFetchAvailableModels  = "/v1internal:fetchAvailableModels"
)

// DefaultProjectID is used when no project can be discovered for an account.
const DefaultProjectID = "rising-fact-p41fc"

// Timing and retry defaults.
const (
	TokenCacheTTLMs      = 5 * 60 * 1000
	DefaultCooldownMs    = 10 * 1000
	MaxRetries           = 5
	MaxWaitBeforeErrorMs = 120000
	MaxAccounts          = 10
	ServerErrorDelayMs   = 1000
	NetworkErrorDelayMs  = 1000
	DefaultPort          = 8080
	RequestBodyLimit     = int64(50 * 1024 * 1024)
)

// Thinking signature constants.
const (
	MinSignatureLength        = 50
	GeminiSkipSignature       = "skip_thought_signature_validator"
	GeminiSignatureCacheTTLMs = 2 * 60 * 60 * 1000
	GeminiMaxOutputTokens     = 16384
)

// UserAgentProduct identifies the client in payloads and headers.
const (
	UserAgentProduct = "antigravity"
	ClientVersion    = "1.16.5"
	RequestType      = "agent"
)

// InterleavedThinkingBeta is sent for Claude thinking models.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// BaseHeaders returns the headers required on every Cloud Code request.
func BaseHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        PlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

// PlatformUserAgent builds the platform-specific User-Agent string.
func PlatformUserAgent() string {
	return fmt.Sprintf("%s/%s %s/%s", UserAgentProduct, ClientVersion, runtime.GOOS, runtime.GOARCH)
}

// Client metadata enums expected by the Cloud Code API.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return platformMacOS
	case "windows":
		return platformWindows
	case "linux":
		return platformLinux
	default:
		return platformUnspecified
	}
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}

// OAuthSettings holds the Google OAuth client used for token refresh.
type OAuthSettings struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuth is the Google OAuth configuration for the Antigravity client.
var OAuth = OAuthSettings{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// ModelFallbackMap maps a primary model to its fallback when quota is
// exhausted across all accounts. One level only.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// GetFallbackModel returns the configured fallback for a model.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// ModelFamily classifies a model name.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily detects the model family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thinking output. Claude
// models signal it in the name; Gemini models do so from major version 3.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// Selection strategies.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
)

// SelectionStrategies lists the valid strategy names.
var SelectionStrategies = []string{StrategySticky, StrategyRoundRobin}

// DefaultSelectionStrategy is used when none is configured.
const DefaultSelectionStrategy = StrategySticky

// ConfigDir returns the relay's configuration directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "antigravity-relay")
}

// AccountsPath returns the default accounts file path.
func AccountsPath() string {
	return filepath.Join(ConfigDir(), "accounts.json")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// AntigravityDBPath returns the platform path of the Antigravity editor's
// state database, used by the legacy-db account source.
func AntigravityDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}
