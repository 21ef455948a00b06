package invoke

import (
	"errors"

	"minireload/internal/boundary"
	"minireload/internal/engine"
	"minireload/internal/unit"
)

// refresher brings a scope up to date on behalf of one target unit. Only
// failures inside the target's closure stop the call; the others are
// recorded once per standing error and handed back for delivery.
type refresher struct {
	eng    *engine.Engine
	target *unit.Unit
	scope  engine.Scope

	reported map[*unit.ReloadError]bool
}

func newRefresher(eng *engine.Engine, target *unit.Unit, scope engine.Scope) *refresher {
	return &refresher{eng: eng, target: target, scope: scope}
}

// run refreshes and returns the failure blocking the target, if any, and
// the newly seen failures of unrelated units. Both are recorded on b but
// not delivered. A panic out of the refresh is an engine bug and is not
// recovered.
func (r *refresher) run(b *boundary.Boundary) (blocking *boundary.ErrorInfo, others []*boundary.ErrorInfo) {
	_, err := r.eng.Refresh(r.scope)
	if err == nil {
		r.reported = nil
		return nil, nil
	}

	inClosure := make(map[string]bool)
	for _, u := range r.target.Closure() {
		inClosure[u.ImportPath] = true
	}

	var (
		mine  []error
		owner string
		dedup = make(map[*unit.ReloadError]bool)
		seen  = make(map[*unit.ReloadError]bool)
	)
	for _, e := range flatten(err) {
		var rerr *unit.ReloadError
		if !errors.As(e, &rerr) {
			mine = append(mine, e)
			continue
		}
		if !inClosure[rerr.Unit] {
			seen[rerr] = true
			if !r.reported[rerr] {
				others = append(others, b.Record(boundary.Capture(boundary.CategoryReload, rerr.Unit, rerr)))
			}
			continue
		}
		root := origin(rerr)
		if dedup[root] {
			continue
		}
		dedup[root] = true
		if owner == "" {
			owner = root.Unit
		}
		mine = append(mine, e)
	}
	r.reported = seen

	if len(mine) == 0 {
		return nil, others
	}
	if owner == "" {
		owner = r.target.ImportPath
	}
	blockErr := mine[0]
	if len(mine) > 1 {
		blockErr = errors.Join(mine...)
	}
	return b.Record(boundary.Capture(boundary.CategoryReload, owner, blockErr)), others
}

// origin follows a chain of dependency failures down to the unit that
// actually failed.
func origin(rerr *unit.ReloadError) *unit.ReloadError {
	for {
		var inner *unit.ReloadError
		if !errors.As(rerr.Err, &inner) {
			return rerr
		}
		rerr = inner
	}
}

// flatten expands an errors.Join result into its parts.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
