package pipeline

import (
	"fmt"
	"sort"
)

// Grouping is a deterministic partition of (input-id, data-input) pairs
// into labelled buckets. Each bucket becomes exactly one task of the stage
// that declares the grouping.
type Grouping string

const (
	// GroupPerInput creates one bucket per input pair.
	GroupPerInput Grouping = "per_input"
	// GroupAllToOne collects every pair into a single bucket.
	GroupAllToOne Grouping = "all_to_one"
	// GroupPerHost buckets pairs by the first replica host, preserving
	// locality for the downstream task.
	GroupPerHost Grouping = "per_host"
	// GroupPerLabel buckets pairs by their data label.
	GroupPerLabel Grouping = "per_label"
)

func (g Grouping) valid() bool {
	switch g {
	case GroupPerInput, GroupAllToOne, GroupPerHost, GroupPerLabel:
		return true
	}
	return false
}

// Replica is one reachable copy of a piece of data.
type Replica struct {
	Host string `json:"host"`
	URL  string `json:"url"`
}

// DataInput describes one piece of data flowing between stages: a label and
// the set of replicas it can currently be read from.
type DataInput struct {
	Label    string    `json:"label,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Replicas []Replica `json:"replicas"`
}

// Locations returns the distinct replica hosts of a data input, sorted.
func Locations(di DataInput) []string {
	seen := make(map[string]bool, len(di.Replicas))
	hosts := make([]string, 0, len(di.Replicas))
	for _, r := range di.Replicas {
		if r.Host == "" || seen[r.Host] {
			continue
		}
		seen[r.Host] = true
		hosts = append(hosts, r.Host)
	}
	sort.Strings(hosts)
	return hosts
}

// Pair couples an input id with its data descriptor. Pairs are the currency
// of groupings.
type Pair struct {
	ID   InputID
	Data DataInput
}

// Group is one bucket of a grouping. The (Label, PreferredHost) pair is the
// group key; the preferred host drives first-run placement.
type Group struct {
	Label         string
	PreferredHost string
	Pairs         []Pair
}

// GroupOutputs partitions pairs into buckets according to the grouping.
// Bucket order determines task-id allocation downstream, so the result is
// deterministic for a given input: buckets sort by label then preferred
// host, pairs inside a bucket by input id.
func GroupOutputs(g Grouping, pairs []Pair) ([]Group, error) {
	sorted := make([]Pair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Less(sorted[j].ID) })

	var groups []Group
	switch g {
	case GroupPerInput:
		for _, p := range sorted {
			groups = append(groups, Group{
				Label:         pairLabel(p),
				PreferredHost: firstLocation(p.Data),
				Pairs:         []Pair{p},
			})
		}
	case GroupAllToOne:
		if len(sorted) > 0 {
			groups = append(groups, Group{Label: "all", Pairs: sorted})
		}
	case GroupPerHost:
		groups = bucketBy(sorted, func(p Pair) string { return firstLocation(p.Data) }, true)
	case GroupPerLabel:
		groups = bucketBy(sorted, pairLabel, false)
	default:
		return nil, fmt.Errorf("%w: unknown grouping %q", ErrUnsupportedPipeline, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Label != groups[j].Label {
			return groups[i].Label < groups[j].Label
		}
		return groups[i].PreferredHost < groups[j].PreferredHost
	})
	return groups, nil
}

// bucketBy groups sorted pairs by a key function. Pairs with an empty key
// land in a shared "any" bucket with no preferred host.
func bucketBy(sorted []Pair, key func(Pair) string, hostKey bool) []Group {
	buckets := make(map[string]*Group)
	order := make([]string, 0)
	for _, p := range sorted {
		k := key(p)
		label := k
		host := ""
		if k == "" {
			label = "any"
		} else if hostKey {
			host = k
		} else {
			host = firstLocation(p.Data)
		}
		b, ok := buckets[k]
		if !ok {
			b = &Group{Label: label, PreferredHost: host}
			buckets[k] = b
			order = append(order, k)
		}
		b.Pairs = append(b.Pairs, p)
	}
	groups := make([]Group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *buckets[k])
	}
	return groups
}

func pairLabel(p Pair) string {
	if p.Data.Label != "" {
		return p.Data.Label
	}
	return p.ID.String()
}

func firstLocation(di DataInput) string {
	hosts := Locations(di)
	if len(hosts) == 0 {
		return ""
	}
	return hosts[0]
}
