// Package contract models versioned API contracts and reports structural
// drift between them.
package contract

import (
	"fmt"
	"sort"
)

// Fields maps a field name to its declared type.
type Fields map[string]string

type Body struct {
	Fields Fields `json:"fields,omitempty" yaml:"fields,omitempty"`
}

type Method struct {
	Request  *Body `json:"request,omitempty" yaml:"request,omitempty"`
	Response *Body `json:"response,omitempty" yaml:"response,omitempty"`
}

// Endpoint maps an HTTP method to its shape.
type Endpoint map[string]Method

// ApiContract is one versioned API surface.
type ApiContract struct {
	Name      string              `json:"name" yaml:"name"`
	Version   string              `json:"version" yaml:"version"`
	Endpoints map[string]Endpoint `json:"endpoints" yaml:"endpoints"`
}

type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
	Where string `json:"where"`
}

type MethodDiff struct {
	AddedFields   []string      `json:"added_fields"`
	RemovedFields []string      `json:"removed_fields"`
	ChangedFields []FieldChange `json:"changed_fields"`
}

func (d MethodDiff) empty() bool {
	return len(d.AddedFields) == 0 && len(d.RemovedFields) == 0 && len(d.ChangedFields) == 0
}

type EndpointDiff struct {
	AddedMethods   []string              `json:"added_methods"`
	RemovedMethods []string              `json:"removed_methods"`
	ChangedMethods map[string]MethodDiff `json:"changed_methods"`
}

func (d EndpointDiff) empty() bool {
	return len(d.AddedMethods) == 0 && len(d.RemovedMethods) == 0 && len(d.ChangedMethods) == 0
}

// Diff is the structural difference from an old contract to a new one.
// Every list is sorted.
type Diff struct {
	AddedEndpoints   []string                `json:"added_endpoints"`
	RemovedEndpoints []string                `json:"removed_endpoints"`
	ChangedEndpoints map[string]EndpointDiff `json:"changed_endpoints"`
}

func (d Diff) Empty() bool {
	return len(d.AddedEndpoints) == 0 && len(d.RemovedEndpoints) == 0 && len(d.ChangedEndpoints) == 0
}

// Compare diffs old against new.
func Compare(old, new ApiContract) Diff {
	added, removed, common := splitKeys(old.Endpoints, new.Endpoints)
	d := Diff{AddedEndpoints: added, RemovedEndpoints: removed, ChangedEndpoints: map[string]EndpointDiff{}}
	for _, path := range common {
		if ed := compareEndpoint(old.Endpoints[path], new.Endpoints[path]); !ed.empty() {
			d.ChangedEndpoints[path] = ed
		}
	}
	return d
}

func compareEndpoint(old, new Endpoint) EndpointDiff {
	added, removed, common := splitKeys(old, new)
	d := EndpointDiff{AddedMethods: added, RemovedMethods: removed, ChangedMethods: map[string]MethodDiff{}}
	for _, m := range common {
		if md := compareMethod(old[m], new[m]); !md.empty() {
			d.ChangedMethods[m] = md
		}
	}
	return d
}

func compareMethod(old, new Method) MethodDiff {
	addedSet := map[string]bool{}
	removedSet := map[string]bool{}
	var changed []FieldChange

	for _, where := range []string{"request", "response"} {
		of, nf := fieldsAt(old, where), fieldsAt(new, where)
		added, removed, common := splitKeys(of, nf)
		for _, f := range added {
			addedSet[f] = true
		}
		for _, f := range removed {
			removedSet[f] = true
		}
		for _, f := range common {
			if of[f] != nf[f] {
				changed = append(changed, FieldChange{Field: f, From: of[f], To: nf[f], Where: where})
			}
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Where != changed[j].Where {
			return changed[i].Where < changed[j].Where
		}
		return changed[i].Field < changed[j].Field
	})
	return MethodDiff{AddedFields: sortedKeys(addedSet), RemovedFields: sortedKeys(removedSet), ChangedFields: changed}
}

func fieldsAt(m Method, where string) Fields {
	b := m.Request
	if where == "response" {
		b = m.Response
	}
	if b == nil {
		return nil
	}
	return b.Fields
}

// Issues renders d as one human-readable line per drift.
func (d Diff) Issues() []string {
	var out []string
	for _, p := range d.RemovedEndpoints {
		out = append(out, "endpoint removed: "+p)
	}
	for _, p := range d.AddedEndpoints {
		out = append(out, "endpoint added: "+p)
	}
	paths := make([]string, 0, len(d.ChangedEndpoints))
	for p := range d.ChangedEndpoints {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		ed := d.ChangedEndpoints[p]
		for _, m := range ed.RemovedMethods {
			out = append(out, fmt.Sprintf("method removed: %s %s", m, p))
		}
		for _, m := range ed.AddedMethods {
			out = append(out, fmt.Sprintf("method added: %s %s", m, p))
		}
		methods := make([]string, 0, len(ed.ChangedMethods))
		for m := range ed.ChangedMethods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			md := ed.ChangedMethods[m]
			for _, f := range md.RemovedFields {
				out = append(out, fmt.Sprintf("field removed: %s %s %s", m, p, f))
			}
			for _, f := range md.AddedFields {
				out = append(out, fmt.Sprintf("field added: %s %s %s", m, p, f))
			}
			for _, c := range md.ChangedFields {
				out = append(out, fmt.Sprintf("field type changed: %s %s %s.%s %s -> %s", m, p, c.Where, c.Field, c.From, c.To))
			}
		}
	}
	return out
}

// splitKeys returns the sorted keys only in b, only in a, and in both.
func splitKeys[V any](a, b map[string]V) (added, removed, common []string) {
	added, removed, common = []string{}, []string{}, []string{}
	for k := range b {
		if _, ok := a[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; ok {
			common = append(common, k)
		} else {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(common)
	return added, removed, common
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
