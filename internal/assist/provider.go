package assist

import (
	"context"
	"net/http"

	"github.com/guonaihong/gout"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/errs"
)

// HTTPProvider posts prompts to a configurable generation endpoint. The
// request shape is {model, prompt, context}; the response carries {text}.
type HTTPProvider struct {
	cfg config.AIConfig
}

func NewHTTPProvider(cfg config.AIConfig) *HTTPProvider {
	return &HTTPProvider{cfg: cfg}
}

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (p *HTTPProvider) Generate(ctx context.Context, prompt, promptContext string) (string, error) {
	headers := gout.H{"Content-Type": "application/json"}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}
	var (
		resp generateResponse
		code int
	)
	err := gout.POST(p.cfg.Endpoint).
		WithContext(ctx).
		SetHeader(headers).
		SetJSON(generateRequest{Model: p.cfg.Model, Prompt: prompt, Context: promptContext}).
		Code(&code).
		BindJSON(&resp).
		Do()
	if err != nil {
		return "", errs.Wrap(err, errs.KindExternalAction, "ai provider request failed")
	}
	if code != http.StatusOK {
		return "", errs.New(errs.KindExternalAction, "ai provider returned status %d", code)
	}
	return resp.Text, nil
}
