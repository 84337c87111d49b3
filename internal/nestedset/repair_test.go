package nestedset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bounds struct{ left, right, level int }

func boundsByID(nodes []Node) map[any]bounds {
	out := make(map[any]bounds, len(nodes))
	for _, n := range nodes {
		out[n.ID] = bounds{n.Left, n.Right, n.Level}
	}
	return out
}

func TestRecompute_ShallowerStep(t *testing.T) {
	root := Node{ID: 1}
	desc := []Node{
		{ID: 2, Level: 1},
		{ID: 3, Level: 2},
		{ID: 4, Level: 1},
	}

	got := boundsByID(Recompute(root, desc))
	assert.Equal(t, map[any]bounds{
		1: {1, 8, 0},
		2: {2, 5, 1},
		3: {3, 4, 2},
		4: {6, 7, 1},
	}, got)
}

func TestRecompute(t *testing.T) {
	tests := []struct {
		name string
		desc []Node
		want map[any]bounds
	}{
		{
			name: "root only",
			want: map[any]bounds{"r": {1, 2, 0}},
		},
		{
			name: "siblings",
			desc: []Node{{ID: "a", Level: 1}, {ID: "b", Level: 1}, {ID: "c", Level: 1}},
			want: map[any]bounds{
				"r": {1, 8, 0},
				"a": {2, 3, 1},
				"b": {4, 5, 1},
				"c": {6, 7, 1},
			},
		},
		{
			name: "chain",
			desc: []Node{{ID: "a", Level: 1}, {ID: "b", Level: 2}, {ID: "c", Level: 3}},
			want: map[any]bounds{
				"r": {1, 8, 0},
				"a": {2, 7, 1},
				"b": {3, 6, 2},
				"c": {4, 5, 3},
			},
		},
		{
			name: "jump of several levels is clamped",
			desc: []Node{{ID: "a", Level: 1}, {ID: "b", Level: 4}, {ID: "c", Level: 1}},
			want: map[any]bounds{
				"r": {1, 8, 0},
				"a": {2, 5, 1},
				"b": {3, 4, 2},
				"c": {6, 7, 1},
			},
		},
		{
			name: "drop of several levels closes every open node",
			desc: []Node{
				{ID: "a", Level: 1},
				{ID: "b", Level: 2},
				{ID: "c", Level: 3},
				{ID: "d", Level: 1},
			},
			want: map[any]bounds{
				"r": {1, 10, 0},
				"a": {2, 7, 1},
				"b": {3, 6, 2},
				"c": {4, 5, 3},
				"d": {8, 9, 1},
			},
		},
		{
			name: "level zero descendant is placed below the root",
			desc: []Node{{ID: "a", Level: 0}},
			want: map[any]bounds{
				"r": {1, 4, 0},
				"a": {2, 3, 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, boundsByID(Recompute(Node{ID: "r"}, tt.desc)))
		})
	}
}

func TestRecompute_NestingInvariants(t *testing.T) {
	desc := []Node{
		{ID: 2, Level: 1}, {ID: 3, Level: 2}, {ID: 4, Level: 3}, {ID: 5, Level: 2},
		{ID: 6, Level: 1}, {ID: 7, Level: 5}, {ID: 8, Level: 2}, {ID: 9, Level: 1},
	}
	nodes := Recompute(Node{ID: 1}, desc)

	for i, n := range nodes {
		require.Less(t, n.Left, n.Right, "node %v", n.ID)
		for _, m := range nodes[i+1:] {
			inside := m.Left > n.Left && m.Right < n.Right
			disjoint := m.Left > n.Right || m.Right < n.Left
			assert.True(t, inside || disjoint, "%v and %v overlap", n.ID, m.ID)
		}
	}
	assert.Equal(t, 2*len(nodes), nodes[0].Right)
}

type recordingUpdater struct {
	updated []Node
	err     error
}

func (u *recordingUpdater) UpdateBounds(ctx context.Context, n Node) error {
	if u.err != nil {
		return u.err
	}
	u.updated = append(u.updated, n)
	return nil
}

func TestRepairer_DryRunAndApply(t *testing.T) {
	root := Node{ID: 1, Left: 1, Right: 8, Level: 0}
	desc := []Node{
		{ID: 2, Left: 2, Right: 5, Level: 1},
		{ID: 3, Left: 3, Right: 9, Level: 2}, // wrong right
		{ID: 4, Left: 6, Right: 7, Level: 1},
	}

	u := &recordingUpdater{}
	r := &Repairer{Updater: u}

	n, err := r.Repair(context.Background(), root, desc, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, u.updated, "dry run writes nothing")

	n, err = r.Repair(context.Background(), root, desc, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, u.updated, 1)
	assert.Equal(t, 3, u.updated[0].ID)
	assert.Equal(t, 4, u.updated[0].Right)
}

func TestRepairer_SecondRunIsNoop(t *testing.T) {
	root := Node{ID: 1}
	desc := []Node{{ID: 2, Level: 1}, {ID: 3, Level: 2}, {ID: 4, Level: 1}}

	u := &recordingUpdater{}
	r := &Repairer{Updater: u}
	n, err := r.Repair(context.Background(), root, desc, true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	fixed := u.updated
	n, err = r.Repair(context.Background(), fixed[0], fixed[1:], true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, u.updated, 4)
}

func TestRepairer_IgnoreLevel(t *testing.T) {
	root := Node{ID: 1, Left: 1, Right: 4}
	desc := []Node{{ID: 2, Left: 2, Right: 3, Level: 3}}

	n, err := (&Repairer{IgnoreLevel: true}).Repair(context.Background(), root, desc, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = (&Repairer{}).Repair(context.Background(), root, desc, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRepairer_UpdateError(t *testing.T) {
	boom := errors.New("boom")
	r := &Repairer{Updater: &recordingUpdater{err: boom}}
	_, err := r.Repair(context.Background(), Node{ID: 1}, nil, true)
	assert.ErrorIs(t, err, boom)
}
