package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"omnicontact/internal/metrics"
	"omnicontact/internal/retry"
)

const (
	workersAIBaseURL      = "https://api.cloudflare.com/client/v4"
	workersAIDefaultModel = "@cf/baai/bge-base-en-v1.5"
)

// WorkersAIConfig configures the edge embedding provider.
type WorkersAIConfig struct {
	AccountID string
	APIToken  string
	Model     string
	BaseURL   string // override for tests
	Timeout   time.Duration
	BatchSize int
	Policy    retry.Policy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type workersAI struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewWorkersAI creates the 768-dimension edge embedder.
func NewWorkersAI(cfg WorkersAIConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = workersAIDefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = workersAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	up := &workersAI{
		endpoint: fmt.Sprintf("%s/accounts/%s/ai/run/%s", strings.TrimRight(cfg.BaseURL, "/"), cfg.AccountID, cfg.Model),
		token:    cfg.APIToken,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	return newClient(clientConfig{
		Kind:      KindWorkersAI,
		Model:     cfg.Model,
		Dims:      WorkersAIDimensions,
		BatchSize: cfg.BatchSize,
		Policy:    cfg.Policy,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	}, up)
}

type workersAIRequest struct {
	Text []string `json:"text"`
}

type workersAIResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Shape []int       `json:"shape"`
		Data  [][]float32 `json:"data"`
	} `json:"result"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (w *workersAI) embed(ctx context.Context, texts []string) ([]indexedVector, error) {
	body, err := json.Marshal(workersAIRequest{Text: texts})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workers ai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("workers ai %d: %s", resp.StatusCode, truncate(string(raw), 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var out workersAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if !out.Success {
		msg := "unknown error"
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return nil, fmt.Errorf("workers ai: %s", msg)
	}

	vecs := make([]indexedVector, len(out.Result.Data))
	for i, v := range out.Result.Data {
		vecs[i] = indexedVector{Index: -1, Values: v}
	}
	return vecs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
