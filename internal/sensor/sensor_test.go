package sensor

import (
	"testing"

	"github.com/nugget/matomo-bridge/internal/matomo"
)

func TestTableSizes(t *testing.T) {
	if got := len(SiteSensors); got != 15 {
		t.Errorf("SiteSensors = %d, want 15", got)
	}
	if got := len(AggregateSensors); got != 9 {
		t.Errorf("AggregateSensors = %d, want 9", got)
	}
	if got := len(For(false)); got != 15 {
		t.Errorf("For(false) = %d, want 15", got)
	}
	if got := len(For(true)); got != 24 {
		t.Errorf("For(true) = %d, want 24", got)
	}
}

func TestKeysUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range For(true) {
		if seen[d.Key] {
			t.Errorf("duplicate key %q", d.Key)
		}
		seen[d.Key] = true
		if d.Field == "" || d.Name == "" || d.Unit == "" || d.Icon == "" {
			t.Errorf("incomplete description %+v", d)
		}
		if d.Scope != ScopeLive && !d.Period.Valid() {
			t.Errorf("%s: invalid period %q", d.Key, d.Period)
		}
	}
}

// lookup finds a description by key in the full table.
func lookup(key string) (Description, bool) {
	for _, d := range For(true) {
		if d.Key == key {
			return d, true
		}
	}
	return Description{}, false
}

func TestTableEntries(t *testing.T) {
	tests := []struct {
		key    string
		name   string
		scope  Scope
		period matomo.Period
		field  string
	}{
		{"visits_today", "Visits (today)", ScopeSite, matomo.PeriodDay, "nb_visits"},
		{"unique_visitors_month", "Unique visitors (this month)", ScopeSite, matomo.PeriodMonth, "nb_uniq_visitors"},
		{"pageviews_week", "Page views (this week)", ScopeSite, matomo.PeriodWeek, "nb_pageviews"},
		{"live_visitors", "Live visitors", ScopeLive, "", "visitors"},
		{"all_sites_actions_week", "All sites actions (this week)", ScopeAggregate, matomo.PeriodWeek, "nb_actions"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			d, ok := lookup(tt.key)
			if !ok {
				t.Fatalf("lookup(%q) not found", tt.key)
			}
			if d.Name != tt.name || d.Scope != tt.scope || d.Period != tt.period || d.Field != tt.field {
				t.Errorf("lookup(%q) = %+v", tt.key, d)
			}
		})
	}
	if _, ok := lookup("bogus"); ok {
		t.Error("lookup(bogus) should fail")
	}
}

func TestEntityIDs(t *testing.T) {
	owner := Owner{EntryID: "0190-abc", SiteID: 3, SiteName: "Blog"}
	visits, _ := lookup("visits_today")
	agg, _ := lookup("all_sites_visits_today")

	e := Entity{Description: visits, Owner: owner}
	if got := e.UniqueID(); got != "matomo_0190-abc_visits_today" {
		t.Errorf("UniqueID = %q", got)
	}
	if got := e.ObjectID(); got != "matomo_3_visits_today" {
		t.Errorf("ObjectID = %q", got)
	}

	a := Entity{Description: agg, Owner: owner}
	if got := a.ObjectID(); got != "matomo_all_sites_visits_today" {
		t.Errorf("aggregate ObjectID = %q", got)
	}
	if got := owner.DeviceName(); got != "Matomo - Blog" {
		t.Errorf("DeviceName = %q", got)
	}
}

func TestDiff_AggregateToggle(t *testing.T) {
	owner := Owner{EntryID: "e1", SiteID: 1, SiteName: "Blog"}
	without := Entities(owner, For(false))
	with := Entities(owner, For(true))

	added, removed := Diff(without, with)
	if len(added) != 9 || len(removed) != 0 {
		t.Fatalf("toggle on: added %d removed %d, want 9/0", len(added), len(removed))
	}
	for _, e := range added {
		if !e.Aggregate() {
			t.Errorf("added non-aggregate entity %s", e.Key)
		}
	}

	added, removed = Diff(with, without)
	if len(added) != 0 || len(removed) != 9 {
		t.Fatalf("toggle off: added %d removed %d, want 0/9", len(added), len(removed))
	}
}
