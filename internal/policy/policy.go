// Package policy compiles the per-kind interaction policy table.
//
// The table is declared in CUE and validated against an embedded schema,
// so a deployment can swap in its own policies file without a rebuild.
// Every interaction kind must be declared exactly once.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/oire/internal/interaction"
)

//go:embed schema.cue
var schemaCUE string

//go:embed policies.cue
var defaultCUE string

// Policy is the guard configuration for one interaction kind.
type Policy struct {
	Kind interaction.Kind

	// AuthorExclusive forbids the item's author from toggling.
	AuthorExclusive bool

	// SingleFlight rejects a toggle while a previous one is unresolved.
	// When false, a newer toggle overtakes the in-flight one.
	SingleFlight bool

	// OnlineOnly refuses to toggle while the connectivity gate is closed.
	OnlineOnly bool

	// Debounce is the minimum interval between accepted toggles. Zero disables it.
	Debounce time.Duration

	// Categories restricts the kind to the listed item categories.
	// Empty means every category.
	Categories []string
}

// AllowsCategory reports whether the kind may be used on an item of category.
func (p Policy) AllowsCategory(category string) bool {
	if len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Table maps every kind to its policy.
type Table map[interaction.Kind]Policy

// For returns the policy for kind.
func (t Table) For(kind interaction.Kind) (Policy, bool) {
	p, ok := t[kind]
	return p, ok
}

// KindsFor returns the kinds usable on an item of the given category, in
// declaration order.
func (t Table) KindsFor(category string) []interaction.Kind {
	var kinds []interaction.Kind
	for _, k := range interaction.AllKinds() {
		if p, ok := t[k]; ok && p.AllowsCategory(category) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Default compiles the embedded policy table.
func Default() (Table, error) {
	return Compile(defaultCUE)
}

// MustDefault is Default for package-level initialisation and tests.
// Panics if the embedded table fails to compile.
func MustDefault() Table {
	t, err := Default()
	if err != nil {
		panic(fmt.Sprintf("policy: embedded table invalid: %v", err))
	}
	return t
}

// Load compiles a policy file. An empty path yields the default table.
func Load(path string) (Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	t, err := Compile(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Compile validates src against the schema and extracts the table.
func Compile(src string) (Table, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaCUE + "\n" + src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate policies: %w", err)
	}

	kindsVal := v.LookupPath(cue.ParsePath("kinds"))
	if !kindsVal.Exists() {
		return nil, fmt.Errorf("policies: missing kinds")
	}

	iter, err := kindsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate kinds: %w", err)
	}

	table := make(Table)
	for iter.Next() {
		label := iter.Label()
		kind, err := interaction.ParseKind(label)
		if err != nil {
			return nil, fmt.Errorf("kinds.%s: %w", label, err)
		}
		p, err := compilePolicy(kind, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("kinds.%s: %w", label, err)
		}
		table[kind] = p
	}

	var missing []string
	for _, k := range interaction.AllKinds() {
		if _, ok := table[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("policies: missing kinds %v", missing)
	}

	return table, nil
}

func compilePolicy(kind interaction.Kind, v cue.Value) (Policy, error) {
	p := Policy{Kind: kind}

	var err error
	if p.AuthorExclusive, err = v.LookupPath(cue.ParsePath("authorExclusive")).Bool(); err != nil {
		return Policy{}, fmt.Errorf("authorExclusive: %w", err)
	}
	if p.SingleFlight, err = v.LookupPath(cue.ParsePath("singleFlight")).Bool(); err != nil {
		return Policy{}, fmt.Errorf("singleFlight: %w", err)
	}
	if p.OnlineOnly, err = v.LookupPath(cue.ParsePath("onlineOnly")).Bool(); err != nil {
		return Policy{}, fmt.Errorf("onlineOnly: %w", err)
	}

	ms, err := v.LookupPath(cue.ParsePath("debounceMs")).Int64()
	if err != nil {
		return Policy{}, fmt.Errorf("debounceMs: %w", err)
	}
	p.Debounce = time.Duration(ms) * time.Millisecond

	list, err := v.LookupPath(cue.ParsePath("categories")).List()
	if err != nil {
		return Policy{}, fmt.Errorf("categories: %w", err)
	}
	for list.Next() {
		c, err := list.Value().String()
		if err != nil {
			return Policy{}, fmt.Errorf("categories: %w", err)
		}
		p.Categories = append(p.Categories, c)
	}

	return p, nil
}
