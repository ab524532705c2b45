package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/guard"
)

// actionOrder is the order change sets are listed in.
var actionOrder = []engine.Action{
	engine.ActionInstall,
	engine.ActionUpgrade,
	engine.ActionDowngrade,
	engine.ActionReinstall,
	engine.ActionFix,
	engine.ActionRemove,
}

// changeJSON is the --json form of one change.
type changeJSON struct {
	Package string `json:"package"`
	Backend string `json:"backend"`
	Action  string `json:"action"`
}

func changesJSON(ops map[*engine.Package]engine.Action) []changeJSON {
	out := make([]changeJSON, 0, len(ops))
	for pkg, action := range ops {
		out = append(out, changeJSON{Package: pkg.String(), Backend: string(pkg.Backend), Action: string(action)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Package < out[j].Package
	})
	return out
}

// printChanges lists ops grouped by action.
func printChanges(w io.Writer, ops map[*engine.Package]engine.Action) {
	groups := make(map[engine.Action][]string)
	for pkg, action := range ops {
		groups[action] = append(groups[action], fmt.Sprintf("%s (%s)", pkg, pkg.Backend))
	}
	for _, action := range actionOrder {
		names := groups[action]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		fmt.Fprintf(w, "%s (%d):\n", capitalize(string(action)), len(names))
		for _, name := range names {
			fmt.Fprintf(w, "    %s\n", name)
		}
	}
}

func printViolations(w io.Writer, title string, violations []guard.Violation) {
	if len(violations) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, v := range violations {
		fmt.Fprintf(w, "    %s\n", v)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// prompter asks y/N questions.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) confirm(question string) bool {
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
