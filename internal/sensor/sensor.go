// Package sensor holds the static table of sensor entities exposed for
// each config entry. Every entity is a projection of one key of the
// entry's metric snapshot; the table maps that key to a Matomo report
// field and to the display metadata Home Assistant needs.
package sensor

import (
	"strconv"

	"github.com/nugget/matomo-bridge/internal/matomo"
)

// Scope identifies which part of a poll cycle feeds a sensor.
type Scope string

// Sensor scopes.
const (
	ScopeSite      Scope = "site"      // VisitsSummary.get + Actions.get for the entry's site
	ScopeLive      Scope = "live"      // Live.getCounters for the entry's site
	ScopeAggregate Scope = "aggregate" // idSite=all totals
)

// StateClassMeasurement is the HA state class for point-in-time values.
const StateClassMeasurement = "measurement"

// Description declares one sensor.
type Description struct {
	Key        string // snapshot key and unique-id suffix
	Name       string // display name within the device
	Icon       string
	Unit       string
	StateClass string
	Scope      Scope
	Period     matomo.Period // empty for ScopeLive
	Field      string        // Matomo response field
}

// Aggregate reports whether the sensor belongs to the optional
// all-sites set.
func (d Description) Aggregate() bool { return d.Scope == ScopeAggregate }

var periodLabels = map[matomo.Period][2]string{
	matomo.PeriodDay:   {"today", "today"},
	matomo.PeriodWeek:  {"week", "this week"},
	matomo.PeriodMonth: {"month", "this month"},
}

func site(base, name, icon, unit, field string, period matomo.Period) Description {
	l := periodLabels[period]
	return Description{
		Key:        base + "_" + l[0],
		Name:       name + " (" + l[1] + ")",
		Icon:       icon,
		Unit:       unit,
		StateClass: StateClassMeasurement,
		Scope:      ScopeSite,
		Period:     period,
		Field:      field,
	}
}

func aggregate(base, name, unit, field string, period matomo.Period) Description {
	d := site("all_sites_"+base, "All sites "+name, "mdi:earth", unit, field, period)
	d.Scope = ScopeAggregate
	return d
}

func live(key, name, icon, unit, field string) Description {
	return Description{
		Key:        key,
		Name:       name,
		Icon:       icon,
		Unit:       unit,
		StateClass: StateClassMeasurement,
		Scope:      ScopeLive,
		Field:      field,
	}
}

// SiteSensors are created for every config entry.
var SiteSensors = func() []Description {
	var out []Description
	for _, s := range []struct{ base, name, icon, unit, field string }{
		{"unique_visitors", "Unique visitors", "mdi:account-multiple", "visitors", "nb_uniq_visitors"},
		{"pageviews", "Page views", "mdi:file-document-outline", "views", "nb_pageviews"},
		{"visits", "Visits", "mdi:web", "visits", "nb_visits"},
		{"actions", "Actions", "mdi:cursor-default-click", "actions", "nb_actions"},
	} {
		for _, p := range matomo.Periods {
			out = append(out, site(s.base, s.name, s.icon, s.unit, s.field, p))
		}
	}
	return append(out,
		live("live_visitors", "Live visitors", "mdi:account-eye", "visitors", "visitors"),
		live("live_visits", "Live visits", "mdi:account-eye", "visits", "visits"),
		live("live_actions", "Live actions", "mdi:cursor-default-click-outline", "actions", "actions"),
	)
}()

// AggregateSensors are created only when the entry's include_aggregate
// option is on.
var AggregateSensors = func() []Description {
	var out []Description
	for _, s := range []struct{ base, name, unit, field string }{
		{"visits", "visits", "visits", "nb_visits"},
		{"pageviews", "page views", "views", "nb_pageviews"},
		{"actions", "actions", "actions", "nb_actions"},
	} {
		for _, p := range matomo.Periods {
			out = append(out, aggregate(s.base, s.name, s.unit, s.field, p))
		}
	}
	return out
}()

// For returns the descriptions active for an entry.
func For(includeAggregate bool) []Description {
	out := make([]Description, 0, len(SiteSensors)+len(AggregateSensors))
	out = append(out, SiteSensors...)
	if includeAggregate {
		out = append(out, AggregateSensors...)
	}
	return out
}

// Owner is the config entry an entity belongs to.
type Owner struct {
	EntryID  string
	SiteID   int
	SiteName string
	BaseURL  string
}

// DeviceName is the device every entity of the entry is grouped under.
func (o Owner) DeviceName() string {
	return "Matomo - " + o.SiteName
}

// Entity is a description bound to a config entry.
type Entity struct {
	Description
	Owner Owner
}

// Entities binds descs to owner.
func Entities(owner Owner, descs []Description) []Entity {
	out := make([]Entity, len(descs))
	for i, d := range descs {
		out[i] = Entity{Description: d, Owner: owner}
	}
	return out
}

// UniqueID is stable for the lifetime of the config entry. It includes
// the entry ID rather than the site ID because two Matomo installations
// may both have a site 1.
func (e Entity) UniqueID() string {
	return "matomo_" + e.Owner.EntryID + "_" + e.Key
}

// ObjectID is the suggested HA entity_id suffix, e.g.
// sensor.matomo_3_visits_today.
func (e Entity) ObjectID() string {
	if e.Aggregate() {
		return "matomo_" + e.Key
	}
	return "matomo_" + strconv.Itoa(e.Owner.SiteID) + "_" + e.Key
}

// Diff returns the entities present in next but not prev (added) and
// those present in prev but not next (removed), compared by unique ID.
func Diff(prev, next []Entity) (added, removed []Entity) {
	seen := make(map[string]bool, len(prev))
	for _, e := range prev {
		seen[e.UniqueID()] = true
	}
	keep := make(map[string]bool, len(next))
	for _, e := range next {
		keep[e.UniqueID()] = true
		if !seen[e.UniqueID()] {
			added = append(added, e)
		}
	}
	for _, e := range prev {
		if !keep[e.UniqueID()] {
			removed = append(removed, e)
		}
	}
	return added, removed
}
