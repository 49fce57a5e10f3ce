package tracedb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "codetracer-core/pkg/errors"
	"codetracer-core/pkg/compression"
	"codetracer-core/pkg/types"
)

// rawEvent is the wire shape of one entry in trace.json: a single-key
// object whose key names the event tag and whose value is the
// tag-specific payload.
type rawEvent map[string]json.RawMessage

// LoadEvents reads and decompresses traceJSONPath, then decodes the
// tagged-sum event stream into LowLevelEvents ready for Build.
func LoadEvents(traceJSONPath string) ([]LowLevelEvent, error) {
	raw, err := os.ReadFile(traceJSONPath)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeTraceIOUnreadable, "tracedb", "load-events",
			"cannot read "+traceJSONPath).Wrap(err)
	}
	contents, err := compression.Decompress(raw)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeTraceIOParseFailed, "tracedb", "load-events",
			"cannot decompress "+traceJSONPath).Wrap(err)
	}

	var rawEvents []rawEvent
	if err := json.Unmarshal(contents, &rawEvents); err != nil {
		return nil, apperrors.New(apperrors.CodeTraceIOParseFailed, "tracedb", "load-events",
			"cannot parse "+traceJSONPath).Wrap(err)
	}

	events := make([]LowLevelEvent, 0, len(rawEvents))
	for i, re := range rawEvents {
		ev, err := decodeEvent(re)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeDatabaseMalformedEvent, "tracedb", "load-events",
				fmt.Sprintf("event %d: %v", i, err))
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(re rawEvent) (LowLevelEvent, error) {
	if len(re) != 1 {
		return LowLevelEvent{}, fmt.Errorf("expected exactly one tag key, got %d", len(re))
	}
	for tag, payload := range re {
		switch tag {
		case "Step":
			var p struct {
				PathID int64 `json:"path_id"`
				Line   int   `json:"line"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvStep, PathID: p.PathID, Line: p.Line}, nil

		case "Path":
			var p string
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvPath, Path: p}, nil

		case "VariableName":
			var p string
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvVariableName, VariableName: p}, nil

		case "Function":
			var fn types.Function
			if err := json.Unmarshal(payload, &fn); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvFunction, Function: fn}, nil

		case "Type":
			var t types.Type
			if err := json.Unmarshal(payload, &t); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvType, Type: t}, nil

		case "Value":
			var p struct {
				VariableID int64       `json:"variable_id"`
				Value      types.Value `json:"value"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvValue, VariableID: p.VariableID, Value: p.Value}, nil

		case "Call":
			var p CallRecord
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvCall, Call: p}, nil

		case "Return":
			var p struct {
				ReturnValue types.Value `json:"return_value"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvReturn, ReturnValue: p.ReturnValue}, nil

		case "Event":
			var p struct {
				Kind     types.EventKind   `json:"kind"`
				Content  string            `json:"content"`
				Metadata map[string]string `json:"metadata"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvEvent, EventKind: p.Kind, Content: p.Content, Metadata: p.Metadata}, nil

		case "CompoundValue":
			var p struct {
				Place types.Place `json:"place"`
				Value types.Value `json:"value"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvCompoundValue, Place: p.Place, CompoundVal: p.Value}, nil

		case "CellValue":
			var p struct {
				Place types.Place `json:"place"`
				Value types.Value `json:"value"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvCellValue, Place: p.Place, CompoundVal: p.Value}, nil

		case "AssignCompoundItem":
			var p struct {
				Place     types.Place `json:"place"`
				Index     int         `json:"index"`
				ItemPlace types.Place `json:"item_place"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvAssignCompoundItem, Place: p.Place, Index: p.Index, ItemPlace: p.ItemPlace}, nil

		case "AssignCell":
			var p struct {
				Place    types.Place `json:"place"`
				NewValue types.Value `json:"new_value"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvAssignCell, Place: p.Place, CompoundVal: p.NewValue}, nil

		case "VariableCell":
			var p struct {
				VariableID int64       `json:"variable_id"`
				Place      types.Place `json:"place"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvVariableCell, VariableID: p.VariableID, Place: p.Place}, nil

		case "DropVariable":
			var p int64
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvDropVariable, VariableID: p}, nil

		case "DropLastStep":
			return LowLevelEvent{Tag: EvDropLastStep}, nil

		case "Asm":
			var p []string
			if err := json.Unmarshal(payload, &p); err != nil {
				return LowLevelEvent{}, err
			}
			return LowLevelEvent{Tag: EvAsm, Instructions: p}, nil

		default:
			return LowLevelEvent{}, fmt.Errorf("unknown event tag %q", tag)
		}
	}
	panic("unreachable")
}

// BuildFromTraceDir loads trace.json from dir and builds the Database.
// workdir is the recorded program's working directory (from trace
// metadata), stored as Database.Workdir; the replay engine's
// load_location does not join paths with it.
func BuildFromTraceDir(dir, workdir string) (*Database, error) {
	events, err := LoadEvents(filepath.Join(dir, "trace.json"))
	if err != nil {
		return nil, err
	}
	return Build(workdir, events)
}
