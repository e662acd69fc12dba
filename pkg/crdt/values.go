package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// StringList reads the list of strings stored at key in the root map. A missing key
// reads as an empty list.
func StringList(am *automerge.Doc, key string) ([]string, error) {
	v, err := am.RootMap().Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%s is %v, not a list", key, v.Kind())
	}
	items, err := v.List().Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s values: %w", key, err)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		if item.Kind() != automerge.KindStr {
			return nil, fmt.Errorf("%s[%d] is %v, not a string", key, i, item.Kind())
		}
		out = append(out, item.Str())
	}
	return out, nil
}

// AppendStrings appends values to the list at key, creating the list if it is missing.
func AppendStrings(am *automerge.Doc, key string, values ...string) error {
	root := am.RootMap()
	v, err := root.Get(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v.Kind() == automerge.KindVoid {
		if err := root.Set(key, automerge.NewList()); err != nil {
			return fmt.Errorf("failed to create %s: %w", key, err)
		}
		if v, err = root.Get(key); err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
	}
	if v.Kind() != automerge.KindList {
		return fmt.Errorf("%s is %v, not a list", key, v.Kind())
	}
	items := make([]any, len(values))
	for i, s := range values {
		items[i] = s
	}
	return v.List().Append(items...)
}

// RootStrings returns every string value of the root map keyed by its key.
func RootStrings(am *automerge.Doc) (map[string]string, error) {
	keys, err := am.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := am.RootMap().Get(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if v.Kind() == automerge.KindStr {
			out[key] = v.Str()
		}
	}
	return out, nil
}

// RootInt reads an integer from the root map.
func RootInt(am *automerge.Doc, key string) (int64, bool, error) {
	v, err := am.RootMap().Get(key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	switch v.Kind() {
	case automerge.KindVoid:
		return 0, false, nil
	case automerge.KindInt64:
		return v.Int64(), true, nil
	case automerge.KindUint64:
		return int64(v.Uint64()), true, nil
	default:
		return 0, false, fmt.Errorf("%s is %v, not an integer", key, v.Kind())
	}
}
