package llms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/studio/pkg/config"
)

// Process-lifetime identity: a stable session id and machine-id hash so
// the Copilot backend aggregates the tool-call rounds of one request.
var (
	sessionID = uuid.New().String() + fmt.Sprintf("%d", time.Now().UnixMilli())
	machineID = func() string {
		hostname, _ := os.Hostname()
		sum := sha256.Sum256([]byte(hostname + "-studio-ai"))
		return hex.EncodeToString(sum[:])
	}()
)

// TokenSource obtains the Copilot session token for each request.
type TokenSource interface {
	Token() (string, error)
	IsAuthenticated() bool
}

// envTokenSource reads the token from an environment variable or a
// configured helper command.
type envTokenSource struct {
	env     string
	command string
}

func (s *envTokenSource) Token() (string, error) {
	if token := strings.TrimSpace(os.Getenv(s.env)); token != "" {
		return token, nil
	}
	if s.command != "" {
		out, err := exec.Command("sh", "-c", s.command).Output()
		if err != nil {
			return "", fmt.Errorf("copilot token command failed: %w", err)
		}
		if token := strings.TrimSpace(string(out)); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("copilot session token unavailable")
}

func (s *envTokenSource) IsAuthenticated() bool {
	token, err := s.Token()
	return err == nil && token != ""
}

// NewTokenSource builds the default token source from configuration.
func NewTokenSource(cfg config.CopilotConfig) TokenSource {
	return &envTokenSource{env: cfg.TokenEnv, command: cfg.TokenCommand}
}

const errCopilotUnauthorized = "❌ 未授权 Copilot，请在设置页面完成 OAuth 授权"

// newCopilotDriver builds the Copilot-family driver: identical wire
// format plus editor-identification headers and a per-request id.
func newCopilotDriver(cfg config.CopilotConfig, tokens TokenSource) Driver {
	info := ProviderInfo{
		ProviderType: ProviderTypeCopilot,
		Slug:         "copilot",
		BaseURL:      cfg.BaseURL,
		Name:         "Copilot",
	}

	headers := func(requestID string) (map[string]string, error) {
		if !tokens.IsAuthenticated() {
			return nil, &ProviderError{Message: errCopilotUnauthorized, StatusCode: 401}
		}
		token, err := tokens.Token()
		if err != nil {
			return nil, &ProviderError{Message: errCopilotUnauthorized, StatusCode: 401}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}
		return map[string]string{
			"Authorization":          "Bearer " + token,
			"editor-version":         "vscode/1.96.0",
			"editor-plugin-version":  "copilot-chat/0.24.0",
			"copilot-integration-id": "vscode-chat",
			"openai-intent":          "conversation-panel",
			"user-agent":             "Studio/1.0",
			"x-request-id":           requestID,
			"vscode-sessionid":       sessionID,
			"vscode-machineid":       machineID,
		}, nil
	}

	checkAuth := func() error {
		if !tokens.IsAuthenticated() {
			return &ProviderError{Message: errCopilotUnauthorized, StatusCode: 401}
		}
		return nil
	}

	return newChatDriver(info, headers, checkAuth)
}

// newDefaultDriver builds the default-family driver (bearer API key).
func newDefaultDriver(cfg config.LLMConfig) Driver {
	info := ProviderInfo{
		ProviderType: ProviderTypeDefault,
		Slug:         "github",
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		Name:         "GitHub Models",
	}

	headers := func(string) (map[string]string, error) {
		return map[string]string{"Authorization": "Bearer " + info.APIKey}, nil
	}

	checkAuth := func() error {
		if info.APIKey == "" {
			return &ProviderError{
				Message:    "❌ 未配置 GitHub Models 全局 Token，请在 AI 服务设置中配置",
				StatusCode: 401,
			}
		}
		return nil
	}

	return newChatDriver(info, headers, checkAuth)
}

// newCompatDriver builds a third-party OpenAI-compatible driver from a
// per-slug provider record.
func newCompatDriver(record config.ProviderRecord) Driver {
	info := ProviderInfo{
		ProviderType: ProviderTypeCompatible,
		Slug:         record.Slug,
		BaseURL:      strings.TrimRight(record.BaseURL, "/"),
		APIKey:       record.APIKey,
		Name:         record.Name,
	}
	if info.Name == "" {
		info.Name = record.Slug
	}

	headers := func(string) (map[string]string, error) {
		h := map[string]string{}
		if info.APIKey != "" {
			h["Authorization"] = "Bearer " + info.APIKey
		}
		return h, nil
	}

	checkAuth := func() error {
		if info.APIKey == "" {
			return &ProviderError{
				Message:    fmt.Sprintf("❌ %s 未配置 API Key，请在 AI 服务设置中配置", info.Name),
				StatusCode: 401,
			}
		}
		return nil
	}

	return newChatDriver(info, headers, checkAuth)
}
