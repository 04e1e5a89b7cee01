// Package dep validates the requires/provides contract across the image's
// filesystem namespace and derives a topological build order for additive
// items.
package dep

import (
	"sort"
	"strings"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/item"
	"golang.org/x/xerrors"
)

var (
	ErrSamePathInItem    = xerrors.New("same path claimed twice by one item")
	ErrDuplicateProvide  = xerrors.New("two items provide the same path")
	ErrUnmetRequirement  = xerrors.New("nothing provides the required path")
	ErrRequiresProtected = xerrors.New("requirement inside a do-not-access path")
	ErrCycle             = xerrors.New("cycle in dependency graph")
)

// ItemProv is a Provide together with the item that makes it.
type ItemProv struct {
	Prov item.Provide
	Item item.Item
}

// ItemReq is a Require together with the item that makes it.
type ItemReq struct {
	Req  item.Require
	Item item.Item
}

// ReqsProvs collects everything claimed about one path.
type ReqsProvs struct {
	Provs []ItemProv
	Reqs  []ItemReq
}

// ValidateReqsProvs builds the path → (provides, requires) map over the
// union of every item's claims, enforcing that no item claims a path
// twice, that no two items provide the same path, and that every
// requirement is satisfied by a kind-compatible provide.
func ValidateReqsProvs(items []item.Item) (map[string]*ReqsProvs, error) {
	m := map[string]*ReqsProvs{}
	at := func(path string) *ReqsProvs {
		rp := m[path]
		if rp == nil {
			rp = &ReqsProvs{}
			m[path] = rp
		}
		return rp
	}
	for _, it := range items {
		provs, err := it.Provides()
		if err != nil {
			return nil, xerrors.Errorf("provides of %s: %w", it.FromTarget(), err)
		}
		// Within one item, a path may be claimed at most once, across
		// provides and requires alike.
		seen := map[string]bool{}
		for _, p := range provs {
			if seen[p.Path] {
				return nil, imgr.Invalidf("item from %s, path %s: %w", it.FromTarget(), p.Path, ErrSamePathInItem)
			}
			seen[p.Path] = true
			rp := at(p.Path)
			if len(rp.Provs) > 0 {
				other := rp.Provs[0]
				return nil, imgr.Invalidf("%s from %s and %s from %s: %w",
					p, it.FromTarget(), other.Prov, other.Item.FromTarget(), ErrDuplicateProvide)
			}
			rp.Provs = append(rp.Provs, ItemProv{Prov: p, Item: it})
		}
		for _, r := range it.Requires() {
			if seen[r.Path] {
				return nil, imgr.Invalidf("item from %s, path %s: %w", it.FromTarget(), r.Path, ErrSamePathInItem)
			}
			seen[r.Path] = true
			rp := at(r.Path)
			rp.Reqs = append(rp.Reqs, ItemReq{Req: r, Item: it})
		}
	}
	// Check satisfiability only after accumulating every claim: provides
	// and requires arrive in no particular order.
	for _, path := range sortedPaths(m) {
		rp := m[path]
		for _, req := range rp.Reqs {
			if err := checkSatisfied(path, req, rp.Provs); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func checkSatisfied(path string, req ItemReq, provs []ItemProv) error {
	for _, p := range provs {
		if p.Prov.Kind == item.KindDoNotAccess {
			return imgr.Invalidf("at %s: %s of %s: %w",
				path, req.Req, req.Item.FromTarget(), ErrRequiresProtected)
		}
		if p.Prov.Matches(req.Req) {
			return nil
		}
	}
	return imgr.Invalidf("at %s: %s of %s: %w",
		path, req.Req, req.Item.FromTarget(), ErrUnmetRequirement)
}

func sortedPaths(m map[string]*ReqsProvs) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// graphState is the arena representation of the predecessor relation:
// items are indexed by their position in the input slice.
type graphState struct {
	items []item.Item
	// preds[i] holds the indices of items that must build before item i.
	preds []map[int]bool
	// succs is the reverse index, kept alongside to avoid O(n²) scans
	// during emission.
	succs []map[int]bool
}

// prepGraph derives the predecessor relation from the validated path map:
// X has predecessor Y iff some requirement of X is satisfied by some
// provide of Y.
func prepGraph(items []item.Item, m map[string]*ReqsProvs) *graphState {
	idx := make(map[item.Item]int, len(items))
	for i, it := range items {
		idx[it] = i
	}
	g := &graphState{
		items: items,
		preds: make([]map[int]bool, len(items)),
		succs: make([]map[int]bool, len(items)),
	}
	for i := range items {
		g.preds[i] = map[int]bool{}
		g.succs[i] = map[int]bool{}
	}
	for _, rp := range m {
		for _, req := range rp.Reqs {
			for _, prov := range rp.Provs {
				if !prov.Prov.Matches(req.Req) {
					continue
				}
				from, to := idx[prov.Item], idx[req.Item]
				g.preds[to][from] = true
				g.succs[from][to] = true
			}
		}
	}
	return g
}

// DependencyOrder emits the items in a topological order of the
// predecessor relation derived from the path map. Ready items are emitted
// first-come-first-served in input order, which makes the result
// deterministic; callers must not rely on more than topological validity.
func DependencyOrder(items []item.Item, m map[string]*ReqsProvs) ([]item.Item, error) {
	g := prepGraph(items, m)
	var ready []int
	for i := range g.items {
		if len(g.preds[i]) == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]item.Item, 0, len(g.items))
	emitted := make([]bool, len(g.items))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, g.items[i])
		emitted[i] = true
		// Index order here keeps successor unblocking deterministic.
		for j := 0; j < len(g.items); j++ {
			if !g.succs[i][j] {
				continue
			}
			delete(g.preds[j], i)
			if len(g.preds[j]) == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(order) != len(g.items) {
		var stuck []string
		for i, it := range g.items {
			if !emitted[i] {
				stuck = append(stuck, it.FromTarget())
			}
		}
		return nil, imgr.Invalidf("items from [%s]: %w", strings.Join(stuck, ", "), ErrCycle)
	}
	return order, nil
}
