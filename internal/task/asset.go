package task

import (
	"sync"

	"github.com/dabla/taskrunner/internal/model"
)

// Lineage is an object that can be declared as an inlet or outlet.
type Lineage interface {
	Profile() model.AssetProfile
}

// Asset is a concrete data asset.
type Asset struct {
	Name  string
	URI   string
	Group string
	Extra map[string]any
}

// Profile implements Lineage.
func (a Asset) Profile() model.AssetProfile {
	return model.AssetProfile{Name: a.Name, URI: a.URI, Type: "Asset"}
}

// AssetNameRef references an asset by name only.
type AssetNameRef struct{ Name string }

// Profile implements Lineage.
func (a AssetNameRef) Profile() model.AssetProfile {
	return model.AssetProfile{Name: a.Name, Type: "AssetNameRef"}
}

// AssetURIRef references an asset by URI only.
type AssetURIRef struct{ URI string }

// Profile implements Lineage.
func (a AssetURIRef) Profile() model.AssetProfile {
	return model.AssetProfile{URI: a.URI, Type: "AssetUriRef"}
}

// AssetAlias names a set of assets resolved at runtime.
type AssetAlias struct{ Name string }

// Profile implements Lineage.
func (a AssetAlias) Profile() model.AssetProfile {
	return model.AssetProfile{Name: a.Name, Type: "AssetAlias"}
}

// Profiles converts declared lineage objects for reporting.
func Profiles(objs []Lineage) []model.AssetProfile {
	out := make([]model.AssetProfile, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Profile())
	}
	return out
}

// AssetKey uniquely identifies an asset.
type AssetKey struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// OutletEvent collects what the task recorded for one outlet asset.
type OutletEvent struct {
	Extra       map[string]any
	aliasEvents []aliasEvent
}

type aliasEvent struct {
	alias string
	dest  AssetKey
	extra map[string]any
}

// AddAlias records that the alias resolved to asset during this attempt.
func (e *OutletEvent) AddAlias(alias AssetAlias, asset Asset, extra map[string]any) {
	e.aliasEvents = append(e.aliasEvents, aliasEvent{
		alias: alias.Name,
		dest:  AssetKey{Name: asset.Name, URI: asset.URI},
		extra: extra,
	})
}

// OutletEvents holds per-asset event accessors for one attempt.
type OutletEvents struct {
	mu     sync.Mutex
	events map[AssetKey]*OutletEvent
	order  []AssetKey
}

// NewOutletEvents creates an empty accessor set.
func NewOutletEvents() *OutletEvents {
	return &OutletEvents{events: make(map[AssetKey]*OutletEvent)}
}

// For returns the accessor for asset, creating it on first use.
func (o *OutletEvents) For(asset Asset) *OutletEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := AssetKey{Name: asset.Name, URI: asset.URI}
	ev, ok := o.events[key]
	if !ok {
		ev = &OutletEvent{Extra: make(map[string]any)}
		o.events[key] = ev
		o.order = append(o.order, key)
	}
	return ev
}

// Serialize returns every recorded event in first-use order.
func (o *OutletEvents) Serialize() []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []map[string]any{}
	for _, key := range o.order {
		ev := o.events[key]
		out = append(out, map[string]any{
			"dest_asset_key": map[string]any{"name": key.Name, "uri": key.URI},
			"extra":          ev.Extra,
		})
		for _, ae := range ev.aliasEvents {
			out = append(out, map[string]any{
				"source_alias_name": ae.alias,
				"dest_asset_key":    map[string]any{"name": ae.dest.Name, "uri": ae.dest.URI},
				"extra":             ae.extra,
			})
		}
	}
	return out
}
