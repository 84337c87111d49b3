package nestedset

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/store"
)

// TableReport summarizes the repair of one table.
type TableReport struct {
	Table        string `json:"table"`
	Trees        int    `json:"trees"`
	Nodes        int    `json:"nodes"`
	Corrections  int    `json:"corrections"`
	Orphans      int    `json:"orphans"`
	SharedScopes int    `json:"sharedScopes"`
	Applied      bool   `json:"applied"`
}

// StoreUpdater writes bounds back with single-row updates by id.
type StoreUpdater struct {
	Writer store.RowWriter
	Def    TreeDefinition
}

// UpdateBounds implements Updater.
func (u StoreUpdater) UpdateBounds(ctx context.Context, n Node) error {
	values := store.Row{
		u.Def.LeftColumn:  int64(n.Left),
		u.Def.RightColumn: int64(n.Right),
	}
	if u.Def.LevelColumn != "" {
		values[u.Def.LevelColumn] = int64(n.Level)
	}
	return u.Writer.UpdateByPK(ctx, u.Def.Table, store.Row{u.Def.IDColumn: n.ID}, values)
}

// RepairTable loads every tree of def.Table and repairs it. A dry run reads
// outside any transaction. With apply, loading and all updates share one
// transaction that is committed only if every tree was repaired.
func RepairTable(ctx context.Context, st store.Store, def TreeDefinition, apply bool) (TableReport, error) {
	def = def.WithDefaults()
	log := logging.WithFields(ctx, "component", "nestedset", "table", def.Table, "apply", apply)
	report := TableReport{Table: def.Table}

	tables, err := st.ListTables(ctx)
	if err != nil {
		return report, fmt.Errorf("list tables: %w", err)
	}
	meta, ok := store.IndexTables(tables)[def.Table]
	if !ok {
		return report, fmt.Errorf("%w: %s", store.ErrUnknownTable, def.Table)
	}
	if err := def.Validate(meta); err != nil {
		return report, err
	}
	if apply && meta.ReadOnly {
		return report, fmt.Errorf("tree table %s is read-only", def.Table)
	}

	var reader store.RowReader = st
	var tx store.Tx
	if apply {
		tx, err = st.Begin(ctx)
		if err != nil {
			return report, fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(context.WithoutCancel(ctx))
		reader = tx
	}

	forest, err := Load(ctx, reader, def)
	if err != nil {
		return report, err
	}
	report.Trees = len(forest.Trees)
	report.Nodes = forest.Nodes()
	report.Orphans = len(forest.Orphans)
	report.SharedScopes = forest.SharedScopes
	if report.Orphans > 0 {
		log.Warn("nodes without a root left untouched", "orphans", report.Orphans)
	}
	if report.SharedScopes > 0 {
		log.Warn("scopes with several roots", "scopes", report.SharedScopes)
	}

	r := &Repairer{IgnoreLevel: def.LevelColumn == ""}
	if apply {
		r.Updater = StoreUpdater{Writer: tx, Def: def}
	}
	for _, t := range forest.Trees {
		n, err := r.Repair(ctx, t.Root, t.Descendants, apply)
		if err != nil {
			return report, fmt.Errorf("repair tree %v: %w", t.Root.ID, err)
		}
		report.Corrections += n
	}

	if apply {
		if err := tx.Commit(ctx); err != nil {
			return report, fmt.Errorf("commit: %w", err)
		}
		report.Applied = true
	}

	log.Info("tree repair finished",
		"trees", report.Trees,
		"nodes", report.Nodes,
		"corrections", report.Corrections,
	)
	return report, nil
}
