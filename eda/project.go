package eda

import (
	"regexp"

	gojson "github.com/goccy/go-json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Collection maps stream key -> namespace -> entity name -> latest object.
// The value for a triple always reflects the most recently applied entry for
// it: entries must be applied in arrival order, and within one frame in array
// order (the last entry for an identity wins).
type Collection map[string]map[string]map[string]any

// Entities returns a copy of the current entities for one (stream, namespace).
func (self Collection) Entities(streamKey string, namespace string) map[string]any {
	if namespaces, ok := self[streamKey]; ok {
		if entities, ok := namespaces[namespace]; ok {
			return maps.Clone(entities)
		}
	}
	return nil
}

// Names returns the sorted entity names for one (stream, namespace).
func (self Collection) Names(streamKey string, namespace string) []string {
	if namespaces, ok := self[streamKey]; ok {
		if entities, ok := namespaces[namespace]; ok {
			names := maps.Keys(entities)
			slices.Sort(names)
			return names
		}
	}
	return nil
}

// Projector applies update entries to keyed collections. The algorithm is
// shared by every stream consumer: last write wins, deletes remove exactly
// one entity, and re-applying an identical entry is a no-op in effect.
type Projector struct {
	log Logger
}

func NewProjector(log Logger) *Projector {
	return &Projector{
		log: log,
	}
}

// ApplyFrame applies every update entry of a frame in array order.
func (self *Projector) ApplyFrame(collection Collection, streamKey string, frame *Frame) {
	for i := range frame.Updates {
		self.Apply(collection, streamKey, &frame.Updates[i])
	}
}

// Apply applies one update entry to the collection, mutating it in place.
// Entries whose identity cannot be determined are dropped; some streams emit
// synthetic rows without identity and that is not an error.
func (self *Projector) Apply(collection Collection, streamKey string, entry *UpdateEntry) {
	var data map[string]any
	if !entry.IsDelete() {
		if err := gojson.Unmarshal(entry.Data, &data); err != nil {
			self.log.Debugf("[project]%s drop malformed entry = %s", streamKey, err)
			return
		}
	}

	name, namespace := entryIdentity(entry.Key, data)
	if name == "" {
		self.log.Debugf("[project]%s drop entry without identity key=%q", streamKey, entry.Key)
		return
	}

	if entry.IsDelete() {
		if namespaces, ok := collection[streamKey]; ok {
			if entities, ok := namespaces[namespace]; ok {
				delete(entities, name)
			}
		}
		return
	}

	namespaces, ok := collection[streamKey]
	if !ok {
		namespaces = map[string]map[string]any{}
		collection[streamKey] = namespaces
	}
	entities, ok := namespaces[namespace]
	if !ok {
		entities = map[string]any{}
		namespaces[namespace] = entities
	}
	entities[name] = data
}

var keyNamePattern = regexp.MustCompile(`\.name=="([^"]*)"`)
var keyNamespacePattern = regexp.MustCompile(`namespace\{\.name=="([^"]*)"\}`)

// entryIdentity prefers the structured metadata, falling back to the
// string-encoded key path. For the name the last `.name=="…"` match wins,
// since composite keys nest an outer container's own name segment before the
// inner entity's.
func entryIdentity(key string, data map[string]any) (name string, namespace string) {
	if metadata, ok := data["metadata"].(map[string]any); ok {
		name, _ = metadata["name"].(string)
		namespace, _ = metadata["namespace"].(string)
	}
	if (name == "" || namespace == "") && key != "" {
		if name == "" {
			matches := keyNamePattern.FindAllStringSubmatch(key, -1)
			if 0 < len(matches) {
				name = matches[len(matches)-1][1]
			}
		}
		if namespace == "" {
			if match := keyNamespacePattern.FindStringSubmatch(key); match != nil {
				namespace = match[1]
			}
		}
	}
	return
}
