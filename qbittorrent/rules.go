package qbittorrent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// unregisteredPattern matches tracker messages for torrents a tracker
// has dropped.
const unregisteredPattern = `(?i)unregistered|not registered|torrent not found|info hash not found|torrent has been deleted`

// DefaultRules returns the built-in orphan rules keyed by reason.
func DefaultRules() map[string]string {
	return map[string]string{
		"missingFiles": `State == "missingFiles"`,
		"unregistered": `any(Trackers, {.Status == 4 && .Message matches "` + unregisteredPattern + `"})`,
	}
}

// Rule is a compiled orphan rule.
type Rule struct {
	Name       string
	Expression string

	program       *vm.Program
	needsTrackers bool
}

// CompileRules compiles rules keyed by reason. The result is ordered by
// name, which is also the order rules are tried in.
func CompileRules(rules map[string]string) ([]Rule, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Rule, 0, len(names))
	for _, name := range names {
		src := strings.TrimSpace(rules[name])
		if src == "" {
			return nil, &RuleError{Name: name, Expression: src, Err: fmt.Errorf("empty expression")}
		}

		program, err := expr.Compile(src, expr.Env(TorrentInfo{}), expr.AsBool())
		if err != nil {
			return nil, &RuleError{Name: name, Expression: src, Err: err}
		}

		out = append(out, Rule{
			Name:          name,
			Expression:    src,
			program:       program,
			needsTrackers: strings.Contains(src, "Trackers"),
		})
	}

	return out, nil
}

// Match evaluates the rule against t. Evaluation errors count as no match.
func (r *Rule) Match(t TorrentInfo) bool {
	result, err := expr.Run(r.program, t)
	if err != nil {
		return false
	}
	return result.(bool)
}
