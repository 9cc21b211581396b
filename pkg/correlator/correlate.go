// Package correlator links device records from different sources that
// describe the same physical device. Only exact identifiers are compared:
// normalised serial numbers, MAC addresses and cloud instance ids.
package correlator

import (
	"sort"
	"strings"

	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/lucid-vigil/fleet/pkg/store"
)

// Identifier kinds.
const (
	BySerial  = "serial"
	ByMAC     = "mac"
	ByCloudID = "cloud_id"
)

// DefaultIdentifiers is used when none are configured.
var DefaultIdentifiers = []string{BySerial, ByMAC, ByCloudID}

// Entity is a group of at least two device records.
type Entity struct {
	ID          string            `json:"id"`
	Devices     []store.DeviceRef `json:"devices"`
	Identifiers []string          `json:"identifiers"` // kinds that linked the group
}

// identifiers returns kind:value pairs for d, restricted to kinds.
func identifiers(d *schema.Device, kinds []string) []string {
	var out []string
	for _, kind := range kinds {
		switch kind {
		case BySerial:
			if s := schema.NormalizeSerial(d.Serial); s != "" {
				out = append(out, BySerial+":"+s)
			}
		case ByMAC:
			for _, mac := range d.MACs() {
				out = append(out, ByMAC+":"+mac)
			}
		case ByCloudID:
			if id := strings.ToLower(strings.TrimSpace(d.CloudID)); id != "" {
				out = append(out, ByCloudID+":"+id)
			}
		}
	}
	return out
}

type node struct {
	key    string
	source string
	ref    store.DeviceRef
	serial string
}

// unionFind keeps, for every root, the serial its group carries.
type unionFind struct {
	parent []int
	serial []string
	kinds  []map[string]bool
}

func newUnionFind(nodes []node) *unionFind {
	uf := &unionFind{
		parent: make([]int, len(nodes)),
		serial: make([]string, len(nodes)),
		kinds:  make([]map[string]bool, len(nodes)),
	}
	for i, n := range nodes {
		uf.parent[i] = i
		uf.serial[i] = n.serial
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

// union merges the groups of a and b unless they carry different serials.
// The smaller index becomes the root.
func (uf *unionFind) union(a, b int, kind string) bool {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		uf.addKind(ra, kind)
		return true
	}
	sa, sb := uf.serial[ra], uf.serial[rb]
	if sa != "" && sb != "" && sa != sb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.serial[ra] == "" {
		uf.serial[ra] = uf.serial[rb]
	}
	for k := range uf.kinds[rb] {
		uf.addKind(ra, k)
	}
	uf.addKind(ra, kind)
	return true
}

func (uf *unionFind) addKind(root int, kind string) {
	if uf.kinds[root] == nil {
		uf.kinds[root] = make(map[string]bool)
	}
	uf.kinds[root][kind] = true
}

// Correlate groups devices seen by different sources (adapter and client)
// that share an identifier of the given kinds. Two groups carrying
// different serial numbers are never merged. The entity id is the smallest
// member key, so it is stable as long as that member exists. Entities are
// returned ordered by id; devices without a partner are not returned.
func Correlate(devices []*schema.Device, kinds []string) []Entity {
	if len(kinds) == 0 {
		kinds = DefaultIdentifiers
	}

	nodes := make([]node, 0, len(devices))
	byKey := make(map[string]*schema.Device, len(devices))
	for _, d := range devices {
		if d == nil || d.ID == "" || byKey[d.Key()] != nil {
			continue
		}
		byKey[d.Key()] = d
		nodes = append(nodes, node{
			key:    d.Key(),
			source: d.Adapter + "/" + d.Client,
			ref:    store.DeviceRef{Adapter: d.Adapter, Client: d.Client, DeviceID: d.ID},
			serial: schema.NormalizeSerial(d.Serial),
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].key < nodes[j].key })

	// identifier -> node indexes, in key order
	index := make(map[string][]int)
	for i, n := range nodes {
		for _, id := range identifiers(byKey[n.key], kinds) {
			index[id] = append(index[id], i)
		}
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	uf := newUnionFind(nodes)
	for _, id := range ids {
		members := index[id]
		kind := id[:strings.IndexByte(id, ':')]
		for i := 1; i < len(members); i++ {
			for j := 0; j < i; j++ {
				a, b := members[j], members[i]
				if nodes[a].source == nodes[b].source {
					continue
				}
				if uf.union(a, b, kind) {
					break
				}
			}
		}
	}

	groups := make(map[int][]int)
	for i := range nodes {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var entities []Entity
	for root, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Ints(members)
		e := Entity{ID: nodes[members[0]].key}
		for _, m := range members {
			e.Devices = append(e.Devices, nodes[m].ref)
		}
		for k := range uf.kinds[root] {
			e.Identifiers = append(e.Identifiers, k)
		}
		sort.Strings(e.Identifiers)
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities
}
