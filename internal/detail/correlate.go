package detail

import (
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/rl0ve/uipath-process-app-training/model"
)

// FilterVariables returns the displayable variables in their original order.
func FilterVariables(vars []model.InstanceVariable) []model.InstanceVariable {
	out := make([]model.InstanceVariable, 0, len(vars))
	for _, v := range vars {
		if v.IsDisplayable() {
			out = append(out, v)
		}
	}
	return out
}

// GroupVariables filters vars and groups the survivors by source, keeping
// fetch order within each group. A missing source groups under "Unknown".
// Groups never come out empty.
func GroupVariables(vars []model.InstanceVariable) map[string][]model.DisplayVariable {
	groups := make(map[string][]model.DisplayVariable)
	for _, v := range FilterVariables(vars) {
		source := strings.TrimSpace(v.Source)
		if source == "" {
			source = model.UnknownSource
		}
		groups[source] = append(groups[source], model.DisplayVariable{
			Name:  v.Name,
			Value: v.Value.String(),
			Type:  v.Type,
		})
	}
	return groups
}

// FlattenGroups turns grouped variables back into instance variables, one
// group after another in key order.
func FlattenGroups(groups map[string][]model.DisplayVariable) []model.InstanceVariable {
	var out []model.InstanceVariable
	for _, source := range slices.Sorted(maps.Keys(groups)) {
		for _, dv := range groups[source] {
			out = append(out, model.InstanceVariable{
				Name:   dv.Name,
				Type:   dv.Type,
				Value:  model.StringValue(dv.Value),
				Source: source,
			})
		}
	}
	return out
}

// HumanizeTag spaces out a camel-case BPMN tag: "userTask" becomes
// "user Task", "ServiceTask" becomes "Service Task".
func HumanizeTag(tag string) string {
	var b strings.Builder
	b.Grow(len(tag) + 4)
	for _, r := range tag {
		if unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ResolveActivityType finds the first BPMN node whose id is elementID and
// returns its humanized tag. It returns "Unknown" when either input is empty
// or no node matches.
func ResolveActivityType(bpmn, elementID string) string {
	if bpmn == "" || elementID == "" {
		return model.UnknownActivity
	}
	re, err := regexp.Compile(`<bpmn:(\w+)\s+id="` + regexp.QuoteMeta(elementID) + `"`)
	if err != nil {
		return model.UnknownActivity
	}
	m := re.FindStringSubmatch(bpmn)
	if m == nil {
		return model.UnknownActivity
	}
	return HumanizeTag(m[1])
}

// IsUserTask reports whether a humanized activity type denotes a user task.
func IsUserTask(activityType string) bool {
	return strings.EqualFold(strings.TrimSpace(activityType), model.UserTaskActivity)
}

// FindTaskLink scans history in order for the first entry whose attributes
// carry elementId == elementID and returns its actionCenterTaskLink.
// Attributes may be an object or a string holding one; entries with
// malformed attributes never match.
func FindTaskLink(history []model.ExecutionHistoryEntry, elementID string) (string, bool) {
	if elementID == "" {
		return "", false
	}
	for _, entry := range history {
		attrs, ok := decodeAttributes(entry.Attributes)
		if !ok {
			continue
		}
		if id := attrs.Get("elementId"); id.Type == gjson.String && id.Str == elementID {
			return attrs.Get("actionCenterTaskLink").String(), true
		}
	}
	return "", false
}

func decodeAttributes(raw []byte) (gjson.Result, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}, false
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		if !gjson.Valid(r.Str) {
			return gjson.Result{}, false
		}
		r = gjson.Parse(r.Str)
	}
	if !r.IsObject() {
		return gjson.Result{}, false
	}
	return r, true
}
