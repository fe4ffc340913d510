package goprep

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/goprep/parser"
	"github.com/brunobiangulo/goprep/recognize"
)

// Config holds all configuration for the document preparation engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.goprep/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) uses ~/.goprep/, "local"
	// uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	PDF           PDFConfig           `json:"pdf" yaml:"pdf"`
	Images        parser.ImageOptions `json:"images" yaml:"images"`
	DOCXPageChars int                 `json:"docx_page_chars" yaml:"docx_page_chars"` // 0 disables the size budget

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Concurrency bounds how many documents prepdocs ingests at once.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Recognizer selects the remote layout service: "documentai",
	// "llamaparse" or empty for none.
	Recognizer string                     `json:"recognizer" yaml:"recognizer"`
	DocumentAI recognize.DocumentAIConfig `json:"documentai" yaml:"documentai"`
	LlamaParse recognize.LlamaParseConfig `json:"llamaparse" yaml:"llamaparse"`

	Summary SummaryConfig `json:"summary" yaml:"summary"`
}

// PDFConfig selects how PDFs are parsed. LocalOnly wins over UseHybrid;
// with both off every PDF goes to the recognizer.
type PDFConfig struct {
	UseHybrid         bool    `json:"use_hybrid" yaml:"use_hybrid"`
	LocalOnly         bool    `json:"local_only" yaml:"local_only"`
	MinTextChars      int     `json:"min_text_chars" yaml:"min_text_chars"`
	ScanCoverageRatio float64 `json:"scan_coverage_ratio" yaml:"scan_coverage_ratio"`
}

// SummaryConfig enables the per-document summary stamped on images.
type SummaryConfig struct {
	Enabled bool      `json:"enabled" yaml:"enabled"`
	LLM     LLMConfig `json:"llm" yaml:"llm"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns hybrid PDF parsing with the stock thresholds, no
// recognizer and no summary. The database goes to ~/.goprep/goprep.db.
func DefaultConfig() Config {
	triage := parser.DefaultTriageConfig()
	return Config{
		DBName:     "goprep",
		StorageDir: "home",
		PDF: PDFConfig{
			UseHybrid:         true,
			MinTextChars:      triage.MinTextChars,
			ScanCoverageRatio: triage.ScanCoverageRatio,
		},
		Images:         parser.DefaultImageOptions(),
		DOCXPageChars:  parser.DefaultDOCXPageChars,
		MaxChunkTokens: 1024,
		ChunkOverlap:   128,
		Concurrency:    4,
		Summary: SummaryConfig{
			LLM: LLMConfig{
				Provider: "ollama",
				Model:    "llama3.1:8b",
				BaseURL:  "http://localhost:11434",
			},
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.PDF.MinTextChars < 0:
		return fmt.Errorf("%w: pdf.min_text_chars must be >= 0", ErrInvalidConfig)
	case c.PDF.ScanCoverageRatio < 0 || c.PDF.ScanCoverageRatio > 1:
		return fmt.Errorf("%w: pdf.scan_coverage_ratio must be within [0, 1]", ErrInvalidConfig)
	case c.Images.MinBytes < 0 || c.Images.MinDimension < 0 || c.Images.ContextTextMaxChars < 0:
		return fmt.Errorf("%w: image thresholds must be >= 0", ErrInvalidConfig)
	case c.DOCXPageChars < 0:
		return fmt.Errorf("%w: docx_page_chars must be >= 0", ErrInvalidConfig)
	case c.MaxChunkTokens < 0 || c.ChunkOverlap < 0:
		return fmt.Errorf("%w: chunk sizes must be >= 0", ErrInvalidConfig)
	case c.MaxChunkTokens > 0 && c.ChunkOverlap >= c.MaxChunkTokens:
		return fmt.Errorf("%w: chunk_overlap must be smaller than max_chunk_tokens", ErrInvalidConfig)
	case c.Concurrency < 0:
		return fmt.Errorf("%w: concurrency must be >= 0", ErrInvalidConfig)
	}
	switch c.Recognizer {
	case "", "documentai", "llamaparse":
	default:
		return fmt.Errorf("%w: unknown recognizer %q", ErrInvalidConfig, c.Recognizer)
	}
	if c.Summary.Enabled && c.Summary.LLM.Provider == "" {
		return fmt.Errorf("%w: summary.llm.provider is required when summary is enabled", ErrInvalidConfig)
	}
	return nil
}

// PDFMode resolves the PDF toggles.
func (c *Config) PDFMode() parser.PDFMode {
	return parser.ResolvePDFMode(c.PDF.UseHybrid, c.PDF.LocalOnly)
}

// parserOptions builds the parser options for this config.
func (c *Config) parserOptions(rec parser.Recognizer, log *slog.Logger) parser.Options {
	opts := parser.DefaultOptions()
	opts.Logger = log
	opts.PDFMode = c.PDFMode()
	opts.Triage = parser.TriageConfig{
		MinTextChars:      c.PDF.MinTextChars,
		ScanCoverageRatio: c.PDF.ScanCoverageRatio,
	}
	opts.Images = c.Images
	opts.DOCXPageChars = c.DOCXPageChars
	opts.Recognizer = rec
	return opts
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "goprep"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".goprep", name+".db")
	}
}
