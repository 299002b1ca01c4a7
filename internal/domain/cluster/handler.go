package cluster

import (
	"context"
	"fmt"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Object is one discovered cluster object.
type Object struct {
	ID        int64             `json:"id"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	UID       string            `json:"uid,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Store persists cluster inventory.
type Store interface {
	SaveOrigin(ctx context.Context, scanID scans.RequestID, operation, raw string) error
	SaveObject(ctx context.Context, scanID scans.RequestID, obj Object) (int64, error)
	FindObject(ctx context.Context, scanID scans.RequestID, kind, namespace, name string) (int64, bool, error)
	Link(ctx context.Context, scanID scans.RequestID, parentID, childID int64, relation string) error
}

// LinkStats counts relation outcomes of one operation.
type LinkStats struct {
	Linked   int
	Unlinked int
}

// Handler saves a parsed document and links it to earlier objects.
type Handler interface {
	Save(ctx context.Context, scanID scans.RequestID, doc Document) ([]Object, error)
	SetRelation(ctx context.Context, scanID scans.RequestID, saved []Object) (LinkStats, error)
}

// relation links a child to a parent of Kind, found by name.
type relation struct {
	name      string
	kind      string
	parentRef func(Object) (namespace, name string)
}

var toNamespace = relation{
	name: "namespace",
	kind: "Namespace",
	parentRef: func(o Object) (string, string) {
		return "", o.Namespace
	},
}

var toNode = relation{
	name: "node",
	kind: "Node",
	parentRef: func(o Object) (string, string) {
		return "", o.Attrs["nodeName"]
	},
}

// objectHandler is the handler for every kind: the kinds only differ in
// the attributes kept and the relations set.
type objectHandler struct {
	kind      string
	attrs     map[string][]string
	relations []relation
	store     Store
	onWarn    func(msg string, obj Object, rel string)
}

func (h *objectHandler) Save(ctx context.Context, scanID scans.RequestID, doc Document) ([]Object, error) {
	items := Items(doc)
	saved := make([]Object, 0, len(items))
	for _, it := range items {
		meta, _ := it["metadata"].(map[string]any)
		obj := Object{
			Kind:      h.kind,
			Name:      Lookup(meta, "name"),
			Namespace: Lookup(meta, "namespace"),
			UID:       Lookup(meta, "uid"),
			Labels:    stringMap(meta["labels"]),
		}
		if obj.Name == "" {
			continue
		}
		if len(h.attrs) > 0 {
			obj.Attrs = make(map[string]string, len(h.attrs))
			for k, path := range h.attrs {
				if v := Lookup(it, path...); v != "" {
					obj.Attrs[k] = v
				}
			}
		}
		id, err := h.store.SaveObject(ctx, scanID, obj)
		if err != nil {
			return saved, &scans.PersistenceError{Op: "save " + h.kind, Err: err}
		}
		obj.ID = id
		saved = append(saved, obj)
	}
	return saved, nil
}

// SetRelation links saved objects to parents that earlier operations
// persisted. A parent that is not there yet is counted, not fatal.
func (h *objectHandler) SetRelation(ctx context.Context, scanID scans.RequestID, saved []Object) (LinkStats, error) {
	var st LinkStats
	for _, obj := range saved {
		for _, rel := range h.relations {
			ns, name := rel.parentRef(obj)
			if name == "" {
				continue
			}
			parentID, ok, err := h.store.FindObject(ctx, scanID, rel.kind, ns, name)
			if err != nil {
				return st, &scans.PersistenceError{Op: "find " + rel.kind, Err: err}
			}
			if !ok {
				st.Unlinked++
				if h.onWarn != nil {
					h.onWarn(fmt.Sprintf("%s %q not persisted yet", rel.kind, name), obj, rel.name)
				}
				continue
			}
			if err := h.store.Link(ctx, scanID, parentID, obj.ID, rel.name); err != nil {
				return st, &scans.PersistenceError{Op: "link " + rel.name, Err: err}
			}
			st.Linked++
		}
	}
	return st, nil
}

// Handlers returns the built-in handlers bound to store. warn is called
// for relations whose parent was not found.
func Handlers(store Store, warn func(msg string, obj Object, rel string)) map[string]Handler {
	mk := func(kind string, attrs map[string][]string, rels ...relation) Handler {
		return &objectHandler{kind: kind, attrs: attrs, relations: rels, store: store, onWarn: warn}
	}
	return map[string]Handler{
		"namespace": mk("Namespace", map[string][]string{
			"phase": {"status", "phase"},
		}),
		"node": mk("Node", map[string][]string{
			"kubeletVersion": {"status", "nodeInfo", "kubeletVersion"},
			"osImage":        {"status", "nodeInfo", "osImage"},
			"architecture":   {"status", "nodeInfo", "architecture"},
		}),
		"pod": mk("Pod", map[string][]string{
			"podIP":    {"status", "podIP"},
			"phase":    {"status", "phase"},
			"nodeName": {"spec", "nodeName"},
		}, toNamespace, toNode),
		"service": mk("Service", map[string][]string{
			"type":      {"spec", "type"},
			"clusterIP": {"spec", "clusterIP"},
		}, toNamespace),
		"deployment": mk("Deployment", map[string][]string{
			"replicas": {"spec", "replicas"},
		}, toNamespace),
		"ingress": mk("Ingress", map[string][]string{
			"ingressClassName": {"spec", "ingressClassName"},
		}, toNamespace),
	}
}
