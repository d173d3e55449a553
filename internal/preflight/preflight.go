package preflight

import (
	"context"
	"fmt"

	"photopipe/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes the readiness checks for the given config. The vision
// check only runs when probeVision is set because it costs a network call.
func RunAll(ctx context.Context, cfg *config.Config, probeVision bool) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Export directory", cfg.Paths.ExportDir),
		CheckDirectoryAccess("Cache directory", cfg.Paths.CacheDir),
		CheckFreeSpace("Export disk", cfg.Paths.ExportDir, cfg.Export.MinFreeMiB),
	}
	for _, dep := range CheckSystemDeps(ctx, cfg) {
		detail := dep.Path
		switch {
		case !dep.Available:
			detail = dep.Detail
		case dep.Version != "":
			detail = fmt.Sprintf("%s %s", dep.Path, dep.Version)
		}
		results = append(results, Result{
			Name:   dep.Name,
			Passed: dep.Available || dep.Optional,
			Detail: fmt.Sprintf("%s (%s)", detail, dep.Description),
		})
	}
	if probeVision {
		results = append(results, CheckVision(ctx, cfg.Vision))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
