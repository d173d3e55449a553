package exiftool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"photopipe/internal/metadata"
	"photopipe/internal/services"
)

const (
	stageEmbed      = "embed-metadata"
	stageIngest     = "ingest-classify"
	defaultTimeout  = 60 * time.Second
	maxLoggedErrors = 5
)

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps exiftool CLI interactions.
type Client struct {
	binary  string
	timeout time.Duration
	exec    Executor
}

// WriteResult reports the outcome of Write.
type WriteResult struct {
	FieldsWritten int
	Logs          []string
}

// VerifyResult reports whether the written fields read back as expected.
type VerifyResult struct {
	Verified   bool
	Mismatched []string
	Details    map[string]string
}

// Existing holds the provenance tags already present in a file.
type Existing struct {
	Creator           string
	Copyright         string
	CameraMake        string
	CameraModel       string
	DigitalSourceType string
}

// Signals converts the existing tags into authorship classification input.
func (e Existing) Signals(declared metadata.AuthorshipStatus) metadata.Signals {
	return metadata.Signals{
		ExistingCreator:   e.Creator,
		ExistingCopyright: e.Copyright,
		CameraMake:        e.CameraMake,
		CameraModel:       e.CameraModel,
		DigitalSourceType: e.DigitalSourceType,
		Declared:          declared,
	}
}

// New constructs an exiftool client.
func New(binary string, timeoutSeconds int, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("exiftool binary required")
	}
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	client := &Client{binary: binary, timeout: timeout, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func (c *Client) run(ctx context.Context, args []string) (*output, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out := &output{}
	err := c.exec.Run(ctx, c.binary, args, out.collect)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%w: %w", services.ErrTimeout, err)
	}
	return out, err
}

// Write copies sourcePath to outputPath with doc embedded. The source file is
// never modified.
func (c *Client) Write(ctx context.Context, sourcePath, outputPath string, doc metadata.Document) (WriteResult, error) {
	if strings.TrimSpace(sourcePath) == "" || strings.TrimSpace(outputPath) == "" {
		return WriteResult{}, services.Wrap(services.ErrValidation, stageEmbed, "write", "source and output paths required", nil)
	}
	if filepath.Clean(sourcePath) == filepath.Clean(outputPath) {
		return WriteResult{}, services.Wrap(services.ErrValidation, stageEmbed, "write", "output path must differ from source", nil)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return WriteResult{}, services.Wrap(services.ErrNotFound, stageEmbed, "write", "source file missing", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return WriteResult{}, services.Wrap(services.ErrConfiguration, stageEmbed, "write", "create output directory", err)
	}
	// exiftool -o refuses to replace an existing file.
	if err := os.Remove(outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return WriteResult{}, services.Wrap(services.ErrExternalTool, stageEmbed, "write", "remove previous output", err)
	}

	args, fields := buildWriteArgs(doc)
	args = append(args, "-o", outputPath, sourcePath)
	out, err := c.run(ctx, args)
	if err != nil {
		return WriteResult{Logs: out.logs()}, services.Wrap(services.ErrExternalTool, stageEmbed, "exiftool write", summarize(out.stderr), err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return WriteResult{Logs: out.logs()}, services.Wrap(services.ErrExternalTool, stageEmbed, "exiftool write", "no output produced", err)
	}
	return WriteResult{FieldsWritten: fields, Logs: out.logs()}, nil
}

// Verify reads path back and checks that the document's core fields landed.
func (c *Client) Verify(ctx context.Context, path string, doc metadata.Document) (VerifyResult, error) {
	args := []string{"-j", "-charset", "utf8",
		"-XMP-dc:Title", "-XMP-dc:Description", "-XMP-dc:Creator", "-XMP-dc:Rights", "-XMP-dc:Subject", path}
	values, err := c.readJSON(ctx, stageEmbed, args)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Details: map[string]string{}}
	check := func(field, key, want string) {
		if want == "" {
			return
		}
		got := stringValue(values[key])
		result.Details[field] = got
		if got != want {
			result.Mismatched = append(result.Mismatched, field)
		}
	}
	check("title", "Title", doc.Title)
	check("description", "Description", doc.Description)
	check(metadata.FieldCreator, "Creator", doc.Creator)
	check(metadata.FieldCopyright, "Rights", doc.Copyright)
	if len(doc.Keywords) > 0 {
		got := stringList(values["Subject"])
		result.Details["keywords"] = strings.Join(got, ", ")
		for _, kw := range doc.Keywords {
			if !slices.Contains(got, kw) {
				result.Mismatched = append(result.Mismatched, "keywords")
				break
			}
		}
	}
	result.Verified = len(result.Mismatched) == 0
	return result, nil
}

// ReadExisting returns the provenance tags already embedded in path.
func (c *Client) ReadExisting(ctx context.Context, path string) (Existing, error) {
	args := []string{"-j", "-n", "-charset", "utf8",
		"-EXIF:Artist", "-XMP-dc:Creator", "-IPTC:By-line",
		"-EXIF:Copyright", "-XMP-dc:Rights", "-IPTC:CopyrightNotice",
		"-EXIF:Make", "-EXIF:Model", "-XMP-iptcExt:DigitalSourceType", path}
	values, err := c.readJSON(ctx, stageIngest, args)
	if err != nil {
		return Existing{}, err
	}
	return Existing{
		Creator:           firstNonEmpty(stringValue(values["Creator"]), stringValue(values["Artist"]), stringValue(values["By-line"])),
		Copyright:         firstNonEmpty(stringValue(values["Rights"]), stringValue(values["Copyright"]), stringValue(values["CopyrightNotice"])),
		CameraMake:        stringValue(values["Make"]),
		CameraModel:       stringValue(values["Model"]),
		DigitalSourceType: stringValue(values["DigitalSourceType"]),
	}, nil
}

func (c *Client) readJSON(ctx context.Context, stage string, args []string) (map[string]any, error) {
	path := args[len(args)-1]
	if _, err := os.Stat(path); err != nil {
		return nil, services.Wrap(services.ErrNotFound, stage, "exiftool read", "file missing", err)
	}
	out, err := c.run(ctx, args)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stage, "exiftool read", summarize(out.stderr), err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out.stdoutText()), &rows); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stage, "exiftool read", "decode json output", err)
	}
	if len(rows) == 0 {
		return map[string]any{}, nil
	}
	return rows[0], nil
}

func stringValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case []any:
		if len(value) == 0 {
			return ""
		}
		return stringValue(value[0])
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func stringList(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := stringValue(value); s != "" {
			return []string{s}
		}
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func summarize(lines []string) string {
	kept := make([]string, 0, maxLoggedErrors)
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
		if len(kept) == maxLoggedErrors {
			break
		}
	}
	return strings.Join(kept, "; ")
}
