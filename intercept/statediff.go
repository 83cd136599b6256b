package intercept

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Snapshot renders the subtree rooted at n, one "path = value" line per node, refreshing stale values first.
// Nodes without a value are listed by path alone.
func (n *StateNode) Snapshot() (string, error) {
	var sb strings.Builder
	var errs []error
	n.snapshot(&sb, 0, &errs)
	return sb.String(), errors.Join(errs...)
}

func (n *StateNode) snapshot(sb *strings.Builder, depth int, errs *[]error) {
	indent(sb, depth*2)
	path := n.Path()
	if path == "" {
		path = "."
	}
	sb.WriteString(path)
	v, err := n.Current()
	if err != nil {
		*errs = append(*errs, err)
	}
	if v != nil {
		sb.WriteString(" = ")
		sb.WriteString(n.tree.renderData(v))
	}
	sb.WriteByte('\n')
	for _, c := range n.children {
		c.snapshot(sb, depth+1, errs)
	}
	for _, c := range n.indexed {
		c.snapshot(sb, depth+1, errs)
	}
}

func (t *StateTree) renderData(v any) string {
	switch d := v.(type) {
	case Value:
		if s, err := t.catalogue.FormatValue(d, LengthUnspecified, nil); err == nil {
			return s
		}
		return fmt.Sprintf("<%d bytes>", len(d.Bytes))
	case []Value:
		var sb strings.Builder
		sb.WriteString("{ ")
		for i, e := range d {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(t.renderData(e))
		}
		sb.WriteString(" }")
		return sb.String()
	case fmt.Stringer:
		return d.String()
	default:
		return fmt.Sprint(v)
	}
}

// DiffSnapshots returns a unified diff between two snapshots, empty when they are equal.
func DiffSnapshots(previous, current string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil {
		return text
	} else { // fallback to basic format if unexpected diff error
		return fmt.Sprintf("%s\n!=\n%s", previous, current)
	}
}
