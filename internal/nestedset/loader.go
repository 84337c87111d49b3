package nestedset

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/tablesnap/internal/store"
)

// TreeDefinition names the columns of a nested-set table.
type TreeDefinition struct {
	Table       string `json:"table"`
	IDColumn    string `json:"idColumn"`
	PathColumn  string `json:"pathColumn"`
	LeftColumn  string `json:"leftColumn"`
	RightColumn string `json:"rightColumn"`
	LevelColumn string `json:"levelColumn,omitempty"` // optional
	ScopeColumn string `json:"scopeColumn,omitempty"` // optional, one forest per value
	SortColumn  string `json:"sortColumn,omitempty"`  // optional sibling order
}

// WithDefaults fills unset mandatory column names.
func (d TreeDefinition) WithDefaults() TreeDefinition {
	if d.IDColumn == "" {
		d.IDColumn = "id"
	}
	if d.PathColumn == "" {
		d.PathColumn = "path"
	}
	if d.LeftColumn == "" {
		d.LeftColumn = "lft"
	}
	if d.RightColumn == "" {
		d.RightColumn = "rgt"
	}
	return d
}

// Validate checks that every configured column exists in meta.
func (d TreeDefinition) Validate(meta store.TableMeta) error {
	var missing []string
	for _, col := range []string{d.IDColumn, d.PathColumn, d.LeftColumn, d.RightColumn, d.LevelColumn, d.ScopeColumn, d.SortColumn} {
		if col != "" && !meta.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tree table %s: column not found: %s", d.Table, strings.Join(missing, ", "))
	}
	return nil
}

// Tree is one root with its descendants in depth-first order.
type Tree struct {
	Scope       any
	Root        Node
	Descendants []Node
}

// Forest is everything loaded from one table.
type Forest struct {
	Trees []Tree

	// Orphans are nodes whose root does not exist. They cannot be placed.
	Orphans []Node

	// SharedScopes counts scopes holding more than one root.
	SharedScopes int
}

// Nodes returns the number of placed nodes.
func (f Forest) Nodes() int {
	n := 0
	for _, t := range f.Trees {
		n += 1 + len(t.Descendants)
	}
	return n
}

type entry struct {
	node Node
	segs []string
	key  []rank
}

type rank struct {
	sort    any
	left    int
	id      string
	missing bool
}

// Load reads the whole table and builds each tree's depth-first order from
// the materialized path. Siblings are ordered by the sort column when
// configured, then by their stored left bound, then by id. A node whose
// intermediate ancestors are missing is still placed under its root.
func Load(ctx context.Context, r store.RowReader, def TreeDefinition) (Forest, error) {
	it, err := r.OpenCursor(ctx, def.Table)
	if err != nil {
		return Forest{}, fmt.Errorf("open %s: %w", def.Table, err)
	}
	defer it.Close()

	scopes := make(map[string][]*entry)
	var scopeOrder []string
	for it.Next() {
		row, err := it.Row()
		if err != nil {
			return Forest{}, fmt.Errorf("read %s: %w", def.Table, err)
		}
		e, err := newEntry(def, row)
		if err != nil {
			return Forest{}, err
		}
		sk := fmt.Sprint(e.node.Scope)
		if _, ok := scopes[sk]; !ok {
			scopeOrder = append(scopeOrder, sk)
		}
		scopes[sk] = append(scopes[sk], e)
	}
	if err := it.Err(); err != nil {
		return Forest{}, fmt.Errorf("read %s: %w", def.Table, err)
	}

	sort.Strings(scopeOrder)
	var f Forest
	for _, sk := range scopeOrder {
		buildScope(scopes[sk], &f)
	}
	return f, nil
}

func newEntry(def TreeDefinition, row store.Row) (*entry, error) {
	id, ok := row[def.IDColumn]
	if !ok || id == nil {
		return nil, fmt.Errorf("tree table %s: row without %s", def.Table, def.IDColumn)
	}
	path, _ := row[def.PathColumn].(string)
	segs := parsePath(path)

	n := Node{
		ID:    id,
		Path:  path,
		Left:  toInt(row[def.LeftColumn]),
		Right: toInt(row[def.RightColumn]),
		Level: len(segs),
	}
	if def.LevelColumn != "" {
		n.Level = toInt(row[def.LevelColumn])
	}
	if def.ScopeColumn != "" {
		n.Scope = row[def.ScopeColumn]
	}
	if def.SortColumn != "" {
		n.Sort = row[def.SortColumn]
	}
	return &entry{node: n, segs: segs}, nil
}

func buildScope(entries []*entry, f *Forest) {
	byID := make(map[string]*entry, len(entries))
	for _, e := range entries {
		byID[fmt.Sprint(e.node.ID)] = e
	}

	var roots []*entry
	children := make(map[string][]*entry)
	for _, e := range entries {
		if len(e.segs) == 0 {
			roots = append(roots, e)
			continue
		}
		rootID := e.segs[0]
		if r, ok := byID[rootID]; !ok || len(r.segs) != 0 {
			f.Orphans = append(f.Orphans, e.node)
			continue
		}
		e.key = sortKey(e, byID)
		children[rootID] = append(children[rootID], e)
	}
	if len(roots) > 1 {
		f.SharedScopes++
	}

	sort.Slice(roots, func(i, j int) bool {
		return compareRank(rankOf(roots[i]), rankOf(roots[j])) < 0
	})
	for _, root := range roots {
		desc := children[fmt.Sprint(root.node.ID)]
		sort.SliceStable(desc, func(i, j int) bool {
			return compareKeys(desc[i].key, desc[j].key) < 0
		})
		t := Tree{Scope: root.node.Scope, Root: root.node}
		for _, e := range desc {
			t.Descendants = append(t.Descendants, e.node)
		}
		f.Trees = append(f.Trees, t)
	}
}

// sortKey is the chain of sibling ranks from the first level below the
// root down to the node itself.
func sortKey(e *entry, byID map[string]*entry) []rank {
	key := make([]rank, 0, len(e.segs))
	for _, seg := range e.segs[1:] {
		if anc, ok := byID[seg]; ok {
			key = append(key, rankOf(anc))
		} else {
			key = append(key, rank{left: math.MaxInt, id: seg, missing: true})
		}
	}
	return append(key, rankOf(e))
}

func rankOf(e *entry) rank {
	return rank{sort: e.node.Sort, left: e.node.Left, id: fmt.Sprint(e.node.ID)}
}

func compareKeys(a, b []rank) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareRank(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareRank(a, b rank) int {
	if a.missing != b.missing {
		if a.missing {
			return 1
		}
		return -1
	}
	if c := compareValues(a.sort, b.sort); c != 0 {
		return c
	}
	if a.left != b.left {
		if a.left < b.left {
			return -1
		}
		return 1
	}
	return compareIDs(a.id, b.id)
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// parsePath splits "/1/4/" into its ancestor ids.
func parsePath(path string) []string {
	var segs []string
	for _, s := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == ',' }) {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) int {
	switch x := v.(type) {
	case int64:
		return int(x)
	case int:
		return x
	case int32:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(x))
		return n
	case json.Number:
		n, _ := x.Int64()
		return int(n)
	}
	return 0
}
