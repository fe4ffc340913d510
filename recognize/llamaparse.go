package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/brunobiangulo/goprep/parser"
)

const defaultLlamaParseURL = "https://api.cloud.llamaindex.ai/api/parsing"

// LlamaParseConfig configures the LlamaParse recognizer.
type LlamaParseConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxPolls     int           `json:"max_polls" yaml:"max_polls"`
}

// LlamaParse uploads a document, polls for the per-page JSON result and
// downloads the images the service cut out of each page.
type LlamaParse struct {
	cfg    LlamaParseConfig
	client *http.Client
	log    *slog.Logger
}

func NewLlamaParse(cfg LlamaParseConfig, log *slog.Logger) *LlamaParse {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLlamaParseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60 // ~5 minutes at the default interval
	}
	if log == nil {
		log = slog.Default()
	}
	return &LlamaParse{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

func (l *LlamaParse) Recognize(ctx context.Context, doc parser.RemoteDocument) ([]parser.RecognizedPage, error) {
	if l.cfg.APIKey == "" {
		return nil, fmt.Errorf("LlamaParse API key not configured")
	}

	jobID, err := l.upload(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("uploading to LlamaParse: %w", err)
	}
	l.log.Debug("llamaparse job started", "doc", doc.Name, "job", jobID, "pages", doc.PageCount)

	result, err := l.poll(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("getting LlamaParse result: %w", err)
	}

	pages := make([]parser.RecognizedPage, 0, len(result.Pages))
	for _, p := range result.Pages {
		rp := parser.RecognizedPage{Text: p.Markdown}
		if rp.Text == "" {
			rp.Text = p.Text
		}
		for _, img := range p.Images {
			data, err := l.image(ctx, jobID, img.Name)
			if err != nil {
				l.log.Warn("llamaparse image download failed", "doc", doc.Name, "job", jobID, "image", img.Name, "error", err)
				continue
			}
			rp.Figures = append(rp.Figures, parser.RecognizedFigure{
				ID:       strings.TrimSuffix(img.Name, path.Ext(img.Name)),
				Data:     data,
				MIMEType: http.DetectContentType(data),
				BBox:     img.bbox(p.Width, p.Height),
			})
		}
		pages = append(pages, rp)
	}
	return pages, nil
}

func (l *LlamaParse) upload(ctx context.Context, doc parser.RemoteDocument) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", path.Base(doc.Name))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(doc.Data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("upload response carried no job id")
	}
	return result.ID, nil
}

type llamaResult struct {
	Pages []llamaPage `json:"pages"`
}

type llamaPage struct {
	Page     int          `json:"page"`
	Text     string       `json:"text"`
	Markdown string       `json:"md"`
	Width    float64      `json:"width"`
	Height   float64      `json:"height"`
	Images   []llamaImage `json:"images"`
}

type llamaImage struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// bbox normalizes the image rectangle to the page, or returns zero when
// the page size is unknown.
func (i llamaImage) bbox(pageW, pageH float64) [4]float64 {
	if pageW <= 0 || pageH <= 0 {
		return [4]float64{}
	}
	return [4]float64{i.X / pageW, i.Y / pageH, (i.X + i.Width) / pageW, (i.Y + i.Height) / pageH}
}

// poll waits for the job. 200 carries the result, 202 means still running.
func (l *LlamaParse) poll(ctx context.Context, jobID string) (*llamaResult, error) {
	endpoint := fmt.Sprintf("%s/job/%s/result/json", l.cfg.BaseURL, url.PathEscape(jobID))

	for i := 0; i < l.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}

		body, status, err := l.get(ctx, endpoint)
		if err != nil {
			l.log.Debug("llamaparse poll failed", "job", jobID, "error", err)
			continue
		}
		switch status {
		case http.StatusOK:
			var result llamaResult
			if err := json.Unmarshal(body, &result); err != nil {
				return nil, fmt.Errorf("decoding result: %w", err)
			}
			return &result, nil
		case http.StatusAccepted, http.StatusNotFound:
		default:
			return nil, fmt.Errorf("LlamaParse error %d: %s", status, string(body))
		}
	}

	return nil, fmt.Errorf("LlamaParse job timed out")
}

func (l *LlamaParse) image(ctx context.Context, jobID, name string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/job/%s/result/image/%s", l.cfg.BaseURL, url.PathEscape(jobID), url.PathEscape(name))
	body, status, err := l.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status %d", status)
	}
	return body, nil
}

func (l *LlamaParse) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}
