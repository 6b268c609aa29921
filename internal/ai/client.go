// Package ai - клиент внешнего сервиса анализа кода
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/untibullet/session-hub/internal/models"
	"go.uber.org/zap"
)

// DefaultTimeout ограничивает один запрос анализа
const DefaultTimeout = 30 * time.Second

type analyzeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	FilePath string `json:"filePath"`
}

type analyzeResponse struct {
	Analysis *models.AIAnalysis `json:"analysis"`
}

// Client вызывает POST {baseURL}/analyze/code
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient создает клиента. timeout <= 0 означает DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Analyze отправляет код на анализ. Ответ без поля analysis считается ошибкой.
func (c *Client) Analyze(ctx context.Context, content, language, path string) (*models.AIAnalysis, error) {
	body, err := json.Marshal(analyzeRequest{Code: content, Language: language, FilePath: path})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze/code", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call analysis service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("analysis service error: status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}
	if out.Analysis == nil {
		return nil, fmt.Errorf("analysis service returned no analysis")
	}

	c.logger.Debug("code analysis completed",
		zap.String("file", path),
		zap.Int("quality", out.Analysis.QualityScore),
		zap.Int("performance", out.Analysis.PerformanceScore))
	return out.Analysis, nil
}
