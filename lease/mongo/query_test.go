package mongo

import (
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/projecteru2/anvil/types"
)

// matches evaluates the subset of the query language acquireQuery emits
// against an in-memory document.
func matches(doc bson.M, filter bson.M) bool {
	for k, v := range filter {
		switch k {
		case "$and":
			for _, sub := range v.(bson.A) {
				if !matches(doc, sub.(bson.M)) {
					return false
				}
			}
		case "$or":
			hit := false
			for _, sub := range v.(bson.A) {
				if matches(doc, sub.(bson.M)) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			if !fieldMatches(lookup(doc, k), v) {
				return false
			}
		}
	}
	return true
}

func lookup(doc bson.M, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(bson.M)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func fieldMatches(val, cond any) bool {
	ops, ok := cond.(bson.M)
	if !ok {
		return val == cond
	}
	for op, arg := range ops {
		switch op {
		case "$lte":
			t, ok := val.(time.Time)
			if !ok || t.After(arg.(time.Time)) {
				return false
			}
		case "$gt":
			t, ok := val.(time.Time)
			if !ok || !t.After(arg.(time.Time)) {
				return false
			}
		case "$not":
			if fieldMatches(val, arg) {
				return false
			}
		case "$elemMatch":
			arr, _ := val.(bson.A)
			hit := false
			for _, e := range arr {
				if m, ok := e.(bson.M); ok && matches(m, arg.(bson.M)) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			panic("unsupported operator " + op)
		}
	}
	return true
}

// granted mirrors the upsert: a missing document is inserted, an existing
// one that fails the filter collides on _id.
func granted(doc bson.M, mode types.LeaseMode, now time.Time) bool {
	filter, _ := acquireQuery("n1", mode, holderEntry{Holder: "me"}, now)
	return doc == nil || matches(doc, filter)
}

func TestAcquireQuery_ConflictRules(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	live := now.Add(time.Minute)
	dead := now.Add(-time.Minute)
	grant := func(exp time.Time) bson.M { return bson.M{"holder": "other", "expires_at": exp} }

	cases := []struct {
		name      string
		doc       bson.M
		exclusive bool
		shared    bool
	}{
		{"no document", nil, true, true},
		{"empty document", bson.M{"_id": "n1", "shared": bson.A{}}, true, true},
		{"live exclusive", bson.M{"_id": "n1", "exclusive": grant(live)}, false, false},
		{"expired exclusive", bson.M{"_id": "n1", "exclusive": grant(dead)}, true, true},
		{"live shared", bson.M{"_id": "n1", "shared": bson.A{grant(live)}}, false, true},
		{"expired shared", bson.M{"_id": "n1", "shared": bson.A{grant(dead)}}, true, true},
		{"mixed shared", bson.M{"_id": "n1", "shared": bson.A{grant(dead), grant(live)}}, false, true},
		{"expired exclusive, live shared", bson.M{"_id": "n1", "exclusive": grant(dead), "shared": bson.A{grant(live)}}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := granted(tc.doc, types.LeaseExclusive, now); got != tc.exclusive {
				t.Errorf("exclusive granted = %v, want %v", got, tc.exclusive)
			}
			if got := granted(tc.doc, types.LeaseShared, now); got != tc.shared {
				t.Errorf("shared granted = %v, want %v", got, tc.shared)
			}
		})
	}
}

func TestAcquireQuery_Updates(t *testing.T) {
	now := time.Now().UTC()
	entry := holderEntry{Holder: "me", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}

	_, excl := acquireQuery("n1", types.LeaseExclusive, entry, now)
	set, _ := excl["$set"].(bson.M)
	if set["exclusive"] != entry {
		t.Errorf("exclusive grant not installed: %v", excl)
	}
	if shared, ok := set["shared"].(bson.A); !ok || len(shared) != 0 {
		t.Errorf("exclusive grant must drop expired shared grants: %v", excl)
	}

	_, sh := acquireQuery("n1", types.LeaseShared, entry, now)
	if push, _ := sh["$push"].(bson.M); push["shared"] != entry {
		t.Errorf("shared grant not appended: %v", sh)
	}
	if _, ok := sh["$unset"].(bson.M)["exclusive"]; !ok {
		t.Errorf("shared grant must drop the expired exclusive grant: %v", sh)
	}
}
