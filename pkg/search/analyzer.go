package search

import (
	"context"

	"github.com/spmt-unicamp/spmtcal/pkg/artifacts"
)

// ToolRunner runs an external tool until it writes its artifact.
type ToolRunner interface {
	Run(ctx context.Context, exe, artifact string, args ...string) error
	Path(name string) string
}

// ToolAnalyzer runs an analysis executable and reads the verdict from the
// result file it writes.
type ToolAnalyzer struct {
	Tools      ToolRunner
	Exe        string
	ResultFile string
}

func (a *ToolAnalyzer) Analyze(ctx context.Context) (Code, error) {
	if err := a.Tools.Run(ctx, a.Exe, a.ResultFile); err != nil {
		return 0, err
	}
	code, err := artifacts.ReadResultCode(a.Tools.Path(a.ResultFile))
	if err != nil {
		return 0, err
	}
	return Code(code), nil
}
