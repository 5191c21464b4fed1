package authz

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"github.com/uptrace/bun"
)

// CasbinRule is one policy line stored in SQL.
type CasbinRule struct {
	bun.BaseModel `bun:"table:casbin_rules,alias:cr"`

	// Composite primary key over every column; rules have no surrogate id.
	Ptype string `bun:",pk,type:varchar(100),notnull"` // "p" (grant) or "g" (membership)
	V0    string `bun:",pk,type:varchar(255)"`         // group (p) or member (g)
	V1    string `bun:",pk,type:varchar(255)"`         // permission pattern (p) or group (g)
	V2    string `bun:",pk,type:varchar(255)"`         // effect (p)
	V3    string `bun:",pk,type:varchar(255)"`
	V4    string `bun:",pk,type:varchar(255)"`
	V5    string `bun:",pk,type:varchar(255)"`
}

func newCasbinRule(ptype string, rule []string) *CasbinRule {
	r := &CasbinRule{Ptype: ptype}
	fields := []*string{&r.V0, &r.V1, &r.V2, &r.V3, &r.V4, &r.V5}
	for i := 0; i < len(rule) && i < len(fields); i++ {
		*fields[i] = rule[i]
	}
	return r
}

// values returns the rule fields up to and including the last non-empty one.
func (r *CasbinRule) values() []string {
	all := []string{r.V0, r.V1, r.V2, r.V3, r.V4, r.V5}
	last := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i] != "" {
			last = i
			break
		}
	}
	return all[:last+1]
}

// BunAdapter persists casbin rules in the casbin_rules table through bun, so
// the permission table can be edited without redeploying the gatekeeper.
// The table is created by the migrations package.
type BunAdapter struct {
	db *bun.DB
}

// NewBunAdapter creates an adapter over an open bun connection.
func NewBunAdapter(db *bun.DB) *BunAdapter {
	return &BunAdapter{db: db}
}

// NewDatabaseSource builds a CasbinSource backed by the casbin_rules table.
func NewDatabaseSource(db *bun.DB) (*CasbinSource, error) {
	return NewCasbinSource("database", NewBunAdapter(db))
}

// LoadPolicy loads every stored rule into the model.
func (a *BunAdapter) LoadPolicy(m model.Model) error {
	var rules []*CasbinRule
	if err := a.db.NewSelect().Model(&rules).Scan(context.Background()); err != nil {
		return fmt.Errorf("load casbin rules: %w", err)
	}

	for _, r := range rules {
		values := r.values()
		if len(values) == 0 || r.Ptype == "" {
			continue
		}
		_ = m.AddPolicy(r.Ptype[:1], r.Ptype, values)
	}
	return nil
}

// SavePolicy replaces the stored rules with the model's rules.
func (a *BunAdapter) SavePolicy(m model.Model) error {
	var rules []*CasbinRule
	for _, sec := range []string{"p", "g"} {
		for ptype, assertion := range m[sec] {
			for _, rule := range assertion.Policy {
				rules = append(rules, newCasbinRule(ptype, rule))
			}
		}
	}

	return a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*CasbinRule)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clear casbin rules: %w", err)
		}
		for _, r := range rules {
			if _, err := tx.NewInsert().Model(r).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("insert casbin rule: %w", err)
			}
		}
		return nil
	})
}

// AddPolicy stores one rule.
func (a *BunAdapter) AddPolicy(_ string, ptype string, rule []string) error {
	_, err := a.db.NewInsert().Model(newCasbinRule(ptype, rule)).On("CONFLICT DO NOTHING").Exec(context.Background())
	if err != nil {
		return fmt.Errorf("add casbin rule: %w", err)
	}
	return nil
}

// RemovePolicy deletes one rule.
func (a *BunAdapter) RemovePolicy(_ string, ptype string, rule []string) error {
	r := newCasbinRule(ptype, rule)
	_, err := a.db.NewDelete().Model((*CasbinRule)(nil)).
		Where("ptype = ?", r.Ptype).
		Where("v0 = ?", r.V0).Where("v1 = ?", r.V1).Where("v2 = ?", r.V2).
		Where("v3 = ?", r.V3).Where("v4 = ?", r.V4).Where("v5 = ?", r.V5).
		Exec(context.Background())
	if err != nil {
		return fmt.Errorf("remove casbin rule: %w", err)
	}
	return nil
}

// RemoveFilteredPolicy deletes rules whose fields match the non-empty filter values.
func (a *BunAdapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	columns := []string{"v0", "v1", "v2", "v3", "v4", "v5"}
	query := a.db.NewDelete().Model((*CasbinRule)(nil)).Where("ptype = ?", ptype)
	for i, value := range fieldValues {
		col := fieldIndex + i
		if value == "" || col < 0 || col >= len(columns) {
			continue
		}
		query = query.Where("? = ?", bun.Ident(columns[col]), value)
	}
	if _, err := query.Exec(context.Background()); err != nil {
		return fmt.Errorf("remove filtered casbin rules: %w", err)
	}
	return nil
}

// Import replaces the stored rules with a casbin CSV policy and returns the
// number of rules written.
func (a *BunAdapter) Import(content string) (int, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return 0, fmt.Errorf("parse casbin model: %w", err)
	}
	if err := stringadapter.NewAdapter(content).LoadPolicy(m); err != nil {
		return 0, fmt.Errorf("parse policy: %w", err)
	}
	if err := a.SavePolicy(m); err != nil {
		return 0, err
	}

	count := 0
	for _, sec := range []string{"p", "g"} {
		for _, assertion := range m[sec] {
			count += len(assertion.Policy)
		}
	}
	return count, nil
}
