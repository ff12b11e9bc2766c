package boards

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// ObjectType enumerates the board object variants.
type ObjectType string

const (
	ObjectTypeSticky    ObjectType = "sticky"
	ObjectTypeShape     ObjectType = "shape"
	ObjectTypeFrame     ObjectType = "frame"
	ObjectTypeConnector ObjectType = "connector"
	ObjectTypeText      ObjectType = "text"
	ObjectTypeFlag      ObjectType = "flag"
)

// Field names shared between the wire protocol, the cache, and the durable document.
const (
	FieldID           = "id"
	FieldType         = "type"
	FieldFrameID      = "frameId"
	FieldCreatedBy    = "createdBy"
	FieldLastEditedBy = "lastEditedBy"
	FieldCreatedAt    = "createdAt"
	FieldUpdatedAt    = "updatedAt"
)

// Fields a partial update is never allowed to replace.
var protectedFields = map[string]struct{}{
	FieldID:        {},
	FieldType:      {},
	FieldCreatedBy: {},
	FieldCreatedAt: {},
}

// Object is one board object document. Keys are the camelCase wire field names.
type Object map[string]any

// ID returns the object identifier or an empty string.
func (o Object) ID() string {
	value, _ := o[FieldID].(string)
	return value
}

// Type returns the object variant.
func (o Object) Type() ObjectType {
	value, _ := o[FieldType].(string)
	return ObjectType(value)
}

// FrameID returns the containing frame identifier, if any.
func (o Object) FrameID() string {
	value, _ := o[FieldFrameID].(string)
	return value
}

// Clone returns a shallow copy; nested values are shared.
func (o Object) Clone() Object {
	clone := make(Object, len(o))
	for key, value := range o {
		clone[key] = value
	}
	return clone
}

// Merge applies a shallow partial update: provided fields fully replace old values,
// untouched fields survive. Protected fields in the patch are ignored.
func (o Object) Merge(fields Object) Object {
	merged := o.Clone()
	for key, value := range fields {
		if _, protected := protectedFields[key]; protected {
			continue
		}
		merged[key] = value
	}
	return merged
}

// StripProtected returns the patch without fields that updates may not change.
func StripProtected(fields Object) Object {
	stripped := make(Object, len(fields))
	for key, value := range fields {
		if _, protected := protectedFields[key]; protected {
			continue
		}
		stripped[key] = value
	}
	return stripped
}

// EncodeObjects serializes an ordered object list for durable storage.
func EncodeObjects(objects []Object) (string, error) {
	if objects == nil {
		objects = []Object{}
	}
	payload, err := sonic.ConfigStd.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("boards: encode objects: %w", err)
	}
	return string(payload), nil
}

// DecodeObjects parses a durable object document. Empty input is an empty board.
func DecodeObjects(document string) ([]Object, error) {
	if document == "" {
		return []Object{}, nil
	}
	var objects []Object
	if err := sonic.ConfigStd.UnmarshalFromString(document, &objects); err != nil {
		return nil, fmt.Errorf("boards: decode objects: %w", err)
	}
	if objects == nil {
		objects = []Object{}
	}
	return objects, nil
}

// EncodeDeletedIDs serializes the identifiers of deleted objects in sorted order.
func EncodeDeletedIDs(ids []string) (string, error) {
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	payload, err := sonic.ConfigStd.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("boards: encode deleted ids: %w", err)
	}
	return string(payload), nil
}

// DecodeDeletedIDs parses a deleted-id document. Empty input means none.
func DecodeDeletedIDs(document string) ([]string, error) {
	if document == "" {
		return []string{}, nil
	}
	var ids []string
	if err := sonic.ConfigStd.UnmarshalFromString(document, &ids); err != nil {
		return nil, fmt.Errorf("boards: decode deleted ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
