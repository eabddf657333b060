// Package exchange turns decrypted Flow data-exchange requests into screen
// responses. Normalize accepts both request shapes the platform has used and
// Router dispatches the result to the screen builders.
package exchange

import (
	"maps"
	"sort"
	"strconv"
	"strings"
)

// Action types sent by the platform.
const (
	ActionInit              = "INIT"
	ActionDataExchange      = "DATA_EXCHANGE"
	ActionPing              = "PING"
	ActionErrorNotification = "ERROR_NOTIFICATION"
	ActionBack              = "BACK"
)

// ActionIDPrefix marks the action ids used by the flow JSON.
const ActionIDPrefix = "a_"

// Traversal limits for untrusted nested payloads.
const (
	MaxSearchDepth = 32
	MaxSearchNodes = 10000
)

var reservedKeys = []string{"action_id", "fields", "filters", "page_token"}

// Request is a normalized data-exchange request. Fields and Filters are
// never nil.
type Request struct {
	ActionType string
	ActionID   string
	ScreenID   string
	FlowToken  string
	Fields     map[string]any
	Filters    map[string]any
	PageToken  string
}

// Field returns fields[key], then filters[key], as a string.
func (r Request) Field(key string) string {
	if s, ok := stringValue(r.Fields[key]); ok && s != "" {
		return s
	}
	s, _ := stringValue(r.Filters[key])
	return s
}

// Normalize builds a Request from a decoded JSON object. Bodies with a
// top-level string action_id use the flat legacy layout; everything else is
// read as {action, screen, flow_token, data|payload}. body is not modified.
func Normalize(body map[string]any) Request {
	if id, ok := body["action_id"].(string); ok {
		return normalizeLegacy(body, id)
	}
	return normalizeNested(body)
}

func normalizeLegacy(body map[string]any, actionID string) Request {
	req := Request{
		ActionType: ActionDataExchange,
		ActionID:   actionID,
		Fields:     objectOrEmpty(body["fields"]),
		Filters:    objectOrEmpty(body["filters"]),
	}
	req.ScreenID, _ = body["screen_id"].(string)
	req.FlowToken, _ = body["flow_token"].(string)
	req.PageToken, _ = stringValue(body["page_token"])
	if req.PageToken == "" {
		req.PageToken, _ = req.Fields["page_token"].(string)
	}
	return req
}

func normalizeNested(body map[string]any) Request {
	var req Request
	action, hasAction := body["action"].(string)
	req.ActionType = strings.ToUpper(action)
	req.ScreenID, _ = body["screen"].(string)
	req.FlowToken, _ = body["flow_token"].(string)

	var root map[string]any
	if p, ok := body["payload"].(map[string]any); ok {
		root = p
	} else if d, ok := body["data"].(map[string]any); ok {
		root = d
	}

	if v, ok := findKey(root, "action_id"); ok {
		if s, ok := v.(string); ok && strings.HasPrefix(s, ActionIDPrefix) {
			req.ActionID = s
		}
	}
	if req.ActionID == "" {
		req.ActionID = findPrefixed(root, ActionIDPrefix)
	}

	if v, ok := findKey(root, "fields"); ok {
		if m, ok := v.(map[string]any); ok {
			req.Fields = maps.Clone(m)
		}
	}
	if req.Fields == nil {
		req.Fields = objectOrEmpty(root)
		for _, k := range reservedKeys {
			delete(req.Fields, k)
		}
	}
	if v, ok := findKey(root, "filters"); ok {
		req.Filters = objectOrEmpty(v)
	} else {
		req.Filters = map[string]any{}
	}
	if v, ok := findKey(root, "page_token"); ok {
		req.PageToken, _ = stringValue(v)
	}
	if req.PageToken == "" {
		req.PageToken, _ = req.Fields["page_token"].(string)
	}

	if req.ActionID == "" && strings.HasPrefix(req.ActionType, strings.ToUpper(ActionIDPrefix)) {
		req.ActionID = strings.ToLower(req.ActionType)
	}
	if !hasAction && req.ActionID != "" {
		req.ActionType = ActionDataExchange
	}
	return req
}

// walk visits root and its descendants depth first, map keys in sorted
// order, until visit returns true. Nodes deeper than MaxSearchDepth are not
// expanded and at most MaxSearchNodes nodes are visited.
func walk(root any, visit func(v any) bool) {
	type frame struct {
		v     any
		depth int
	}
	stack := []frame{{root, 0}}
	for seen := 0; len(stack) > 0 && seen < MaxSearchNodes; seen++ {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visit(f.v) {
			return
		}
		if f.depth >= MaxSearchDepth {
			continue
		}
		switch node := f.v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(keys)))
			for _, k := range keys {
				stack = append(stack, frame{node[k], f.depth + 1})
			}
		case []any:
			for i := len(node) - 1; i >= 0; i-- {
				stack = append(stack, frame{node[i], f.depth + 1})
			}
		}
	}
}

// findKey returns the value of the first object key named key, checking an
// object before any of its children.
func findKey(root any, key string) (any, bool) {
	if root == nil {
		return nil, false
	}
	var found any
	var ok bool
	walk(root, func(v any) bool {
		if m, isMap := v.(map[string]any); isMap {
			found, ok = m[key]
		}
		return ok
	})
	return found, ok
}

// findPrefixed returns the first string value starting with prefix.
func findPrefixed(root any, prefix string) string {
	if root == nil {
		return ""
	}
	var found string
	walk(root, func(v any) bool {
		if s, ok := v.(string); ok && strings.HasPrefix(s, prefix) {
			found = s
			return true
		}
		return false
	})
	return found
}

func objectOrEmpty(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && m != nil {
		return maps.Clone(m)
	}
	return map[string]any{}
}

// stringValue stringifies JSON scalars. Objects, arrays and null are not
// strings.
func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}
