package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"photopipe/internal/metadata"
	"photopipe/internal/services"
)

const (
	defaultTimeout     = 90 * time.Second
	defaultMaxTokens   = 1200
	defaultMaxRetries  = 2
	stageAnalyze       = "vision-analyze"
	stageSynthesize    = "synthesize-metadata"
	maxUserContextRune = 2000
)

// Config captures the endpoint settings for the vision and synthesis models.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	SynthesisModel  string
	TimeoutSeconds  int
	MaxOutputTokens int
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg     Config
	client  openai.Client
	timeout time.Duration
	now     func() time.Time
}

// Option customizes the client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	maxRetries int
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithMaxRetries overrides the SDK retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// NewClient constructs a client. An empty API key is a configuration error.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.SynthesisModel = strings.TrimSpace(cfg.SynthesisModel)
	if cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageAnalyze, "init", "vision api key not set", nil)
	}
	if cfg.Model == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageAnalyze, "init", "vision model not set", nil)
	}
	if cfg.SynthesisModel == "" {
		cfg.SynthesisModel = cfg.Model
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxTokens
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	o := clientOptions{maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(o.maxRetries),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}

	return &Client{
		cfg:     cfg,
		client:  openai.NewClient(reqOpts...),
		timeout: timeout,
		now:     time.Now,
	}, nil
}

// Analyze describes an image.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	if len(req.Image) == 0 {
		return AnalyzeResult{}, services.Wrap(services.ErrValidation, stageAnalyze, "analyze", "image bytes required", nil)
	}
	mimeType := strings.TrimSpace(req.MIMEType)
	if mimeType == "" {
		mimeType = http.DetectContentType(req.Image)
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(analyzeSystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(analyzeUserPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	}
	content, usage, err := c.complete(ctx, stageAnalyze, params)
	if err != nil {
		return AnalyzeResult{}, err
	}
	usage.PromptVersion = analyzePromptVersion

	var analysis Analysis
	if err := decodeJSON(content, &analysis); err != nil {
		return AnalyzeResult{}, services.Wrap(services.ErrExternalTool, stageAnalyze, "decode analysis", "model returned malformed JSON", err)
	}
	analysis.Keywords = lowerAll(analysis.Keywords)
	if analysis.PeopleCount < 0 {
		analysis.PeopleCount = 0
	}
	return AnalyzeResult{Analysis: analysis, Raw: content, Usage: usage}, nil
}

type synthesisInput struct {
	Analysis Analysis      `json:"analysis"`
	Profile  profileHints  `json:"profile"`
	Notes    string        `json:"notes,omitempty"`
	Event    *EventContext `json:"event,omitempty"`
}

type profileHints struct {
	Creator      string   `json:"creator,omitempty"`
	Organization string   `json:"organization,omitempty"`
	City         string   `json:"city,omitempty"`
	Region       string   `json:"region,omitempty"`
	Country      string   `json:"country,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

type synthesisOutput struct {
	Title       string   `json:"title"`
	Headline    string   `json:"headline"`
	Description string   `json:"description"`
	AltText     string   `json:"alt_text"`
	Keywords    []string `json:"keywords"`
	Event       string   `json:"event"`
	Sublocation string   `json:"sublocation"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	Country     string   `json:"country"`
}

// Synthesize produces a metadata document. Attribution and rights fields are
// never taken from the model; callers apply profile enrichments afterwards.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResult, error) {
	input := synthesisInput{
		Analysis: req.Analysis,
		Profile: profileHints{
			Creator:      req.Profile.CreatorName,
			Organization: req.Profile.Organization,
			City:         req.Profile.City,
			Region:       req.Profile.Region,
			Country:      req.Profile.Country,
			Keywords:     req.Profile.DefaultKeywords,
		},
		Notes: truncateRunes(strings.TrimSpace(req.UserContext), maxUserContextRune),
	}
	if !req.Event.IsZero() {
		event := req.Event
		input.Event = &event
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return SynthesizeResult{}, services.Wrap(services.ErrValidation, stageSynthesize, "encode input", "", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.cfg.SynthesisModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(synthesizeSystemPrompt),
			openai.UserMessage(string(payload)),
		},
	}
	content, usage, err := c.complete(ctx, stageSynthesize, params)
	if err != nil {
		return SynthesizeResult{}, err
	}
	usage.PromptVersion = synthesizePromptVersion

	var out synthesisOutput
	if err := decodeJSON(content, &out); err != nil {
		return SynthesizeResult{}, services.Wrap(services.ErrExternalTool, stageSynthesize, "decode metadata", "model returned malformed JSON", err)
	}
	doc := metadata.Document{
		Title:       out.Title,
		Headline:    out.Headline,
		Description: out.Description,
		AltText:     out.AltText,
		Keywords:    out.Keywords,
		Event:       out.Event,
		Sublocation: out.Sublocation,
		City:        out.City,
		Region:      out.Region,
		Country:     out.Country,
	}
	if doc.Event == "" {
		doc.Event = req.Event.Name
	}
	return SynthesizeResult{Document: doc.Normalize(), Usage: usage}, nil
}

func (c *Client) complete(ctx context.Context, stage string, params openai.ChatCompletionNewParams) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params.Temperature = openai.Float(0.2)
	params.MaxTokens = openai.Int(int64(c.cfg.MaxOutputTokens))
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
	}

	started := c.now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	elapsed := c.now().Sub(started)
	if err != nil {
		return "", Usage{}, classifyError(stage, err)
	}
	if len(completion.Choices) == 0 {
		return "", Usage{}, services.Wrap(services.ErrExternalTool, stage, "chat completion", "no choices returned", nil)
	}
	choice := completion.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		detail := fmt.Sprintf("empty content (finish_reason=%q, refusal=%q)", choice.FinishReason, choice.Message.Refusal)
		return "", Usage{}, services.Wrap(services.ErrExternalTool, stage, "chat completion", detail, nil)
	}
	model := completion.Model
	if model == "" {
		model = string(params.Model)
	}
	return content, Usage{
		ModelID:      model,
		TokensUsed:   int(completion.Usage.TotalTokens),
		ProcessingMS: elapsed.Milliseconds(),
	}, nil
}

func classifyError(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, stage, "chat completion", "model request timed out", err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return services.Wrap(services.ErrTransient, stage, "chat completion", fmt.Sprintf("http %d", apiErr.StatusCode), err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, stage, "chat completion", "model endpoint rejected credentials", err)
		case apiErr.StatusCode == http.StatusBadRequest:
			return services.Wrap(services.ErrValidation, stage, "chat completion", "model rejected the request", err)
		}
	}
	return services.Wrap(services.ErrExternalTool, stage, "chat completion", "", err)
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
