package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ParsePlan decodes a plan document from JSON text. The document is a flat
// object: "backend" and "model_name" are strings, each known stage key maps
// to a single item object or a sequence of item objects, and any other
// scalar field is preserved for preamble templating.
//
// Numeric parameter values keep their literal spelling ("6.28" does not
// become "6.28000"), booleans become "true"/"false", and null becomes the
// empty string. An item without a non-empty "type" is a parse error.
func ParsePlan(raw []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, NewParseError("plan document is not a JSON object", err)
	}
	if dec.More() {
		return nil, NewParseError("trailing data after plan document", nil)
	}

	plan := &Plan{
		Stages: make(map[Stage][]Item),
		Fields: make(map[string]string),
	}

	for key, value := range doc {
		switch {
		case key == "backend" || key == "model_name":
			s, err := decodeString(value)
			if err != nil {
				return nil, NewParseError(fmt.Sprintf("field %q must be a string", key), err)
			}
			if key == "backend" {
				plan.Backend = s
			} else {
				plan.ModelName = s
			}
		case Stage(key).Validate() == nil:
			items, err := decodeStageItems(key, value)
			if err != nil {
				return nil, err
			}
			if len(items) > 0 {
				plan.Stages[Stage(key)] = items
			}
		default:
			// Extra scalar fields feed preamble templates. Non-scalar extras
			// have no template representation and are dropped.
			if s, ok := coerceScalar(value); ok {
				plan.Fields[key] = s
			}
		}
	}

	return plan, nil
}

// decodeStageItems normalizes a stage value: a single item object and a
// sequence of item objects are both accepted.
func decodeStageItems(stage string, raw json.RawMessage) ([]Item, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, NewParseError(fmt.Sprintf("stage %q is empty", stage), nil)
	}

	switch trimmed[0] {
	case '{':
		item, err := decodeItem(stage, raw)
		if err != nil {
			return nil, err
		}
		return []Item{item}, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, NewParseError(fmt.Sprintf("stage %q is not a valid sequence", stage), err)
		}
		items := make([]Item, 0, len(elems))
		for i, elem := range elems {
			item, err := decodeItem(fmt.Sprintf("%s[%d]", stage, i), elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case 'n':
		// Explicit null reads as an absent stage.
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, nil
		}
		fallthrough
	default:
		return nil, NewParseError(fmt.Sprintf("stage %q must be an item or a sequence of items", stage), nil)
	}
}

func decodeItem(where string, raw json.RawMessage) (Item, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Item{}, NewParseError(fmt.Sprintf("item %s is not an object", where), err)
	}

	typeRaw, ok := fields["type"]
	if !ok {
		return Item{}, NewParseError(fmt.Sprintf("item %s has no type", where), nil)
	}
	typeName, err := decodeString(typeRaw)
	if err != nil || typeName == "" {
		return Item{}, NewParseError(fmt.Sprintf("item %s has an invalid type", where), err)
	}

	item := Item{Type: typeName}

	if paramsRaw, ok := fields["params"]; ok && !bytes.Equal(bytes.TrimSpace(paramsRaw), []byte("null")) {
		var params map[string]json.RawMessage
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return Item{}, NewParseError(fmt.Sprintf("item %s params must be an object", where), err)
		}
		item.Params = make(Params, len(params))
		for name, value := range params {
			s, ok := coerceScalar(value)
			if !ok {
				return Item{}, NewParseError(fmt.Sprintf("item %s param %q is not a scalar", where, name), nil)
			}
			item.Params[name] = s
		}
	}

	return item, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// coerceScalar renders a JSON scalar as plan parameter text. Objects and
// arrays are not scalars.
func coerceScalar(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
