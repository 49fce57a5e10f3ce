// Package exprloader provides a degrade-gracefully implementation of
// types.ExprLoader for the replay backend to use when no real
// syntax-aware source service is wired in.
//
// The expression loader is treated as an opaque external collaborator
// (SPEC_FULL.md §1): a real deployment plugs in a language-server-backed
// implementation that this module never needs to know about. Loader is
// that stand-in — every method degrades to an empty/zero answer instead
// of erroring, matching replay.Engine and flow.Reconstructor's
// documented "loader may be nil / answers degrade silently" contract.
package exprloader

import "codetracer-core/pkg/types"

// Loader is a types.ExprLoader that answers every syntax-aware question
// with its zero value. It never fails LoadFile, so callers that treat a
// nil loader and a Loader identically get the same behavior either way.
type Loader struct{}

// New constructs a no-op loader.
func New() *Loader { return &Loader{} }

func (l *Loader) LoadFile(path string) error { return nil }

func (l *Loader) GetCurrentLanguage(path string) types.Language { return types.LangUnknown }

func (l *Loader) GetFirstLastFnLines(loc types.Location, declarationLine int) (first, last int) {
	return 0, 0
}

func (l *Loader) VarListForLine(path string, line int) []string { return nil }

func (l *Loader) LoopShapesForFile(path string) []types.LoopShape { return nil }

func (l *Loader) LoadBranchForPosition(path string, position int) map[int]types.BranchState {
	return nil
}
