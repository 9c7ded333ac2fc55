package core

import (
	"encoding/json"
	"time"
)

// WorkingMemory is the structured state kept next to a thread's message log.
// Facts and Goals behave as ordered sets; UserInfo and Context are maps with
// last-write-wins semantics.
type WorkingMemory struct {
	Facts     []string       `json:"facts,omitempty" msgpack:"facts,omitempty"`
	Goals     []string       `json:"goals,omitempty" msgpack:"goals,omitempty"`
	UserInfo  map[string]any `json:"user_info,omitempty" msgpack:"user_info,omitempty"`
	Context   map[string]any `json:"context,omitempty" msgpack:"context,omitempty"`
	UpdatedAt time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// NewWorkingMemory returns an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{UserInfo: map[string]any{}, Context: map[string]any{}}
}

// Merge applies patch in place. New facts and goals are appended unless
// already present; user_info and context keys are overwritten.
func (w *WorkingMemory) Merge(patch WorkingMemory) {
	w.Facts = unionStrings(w.Facts, patch.Facts)
	w.Goals = unionStrings(w.Goals, patch.Goals)

	if len(patch.UserInfo) > 0 && w.UserInfo == nil {
		w.UserInfo = make(map[string]any, len(patch.UserInfo))
	}
	for k, v := range patch.UserInfo {
		w.UserInfo[k] = v
	}

	if len(patch.Context) > 0 && w.Context == nil {
		w.Context = make(map[string]any, len(patch.Context))
	}
	for k, v := range patch.Context {
		w.Context[k] = v
	}

	w.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy (maps and slices are copied one level deep).
func (w *WorkingMemory) Clone() *WorkingMemory {
	if w == nil {
		return NewWorkingMemory()
	}
	out := &WorkingMemory{
		Facts:     append([]string(nil), w.Facts...),
		Goals:     append([]string(nil), w.Goals...),
		UserInfo:  make(map[string]any, len(w.UserInfo)),
		Context:   make(map[string]any, len(w.Context)),
		UpdatedAt: w.UpdatedAt,
	}
	for k, v := range w.UserInfo {
		out.UserInfo[k] = v
	}
	for k, v := range w.Context {
		out.Context[k] = v
	}
	return out
}

// IsEmpty reports whether no facts, goals, user info or context are stored.
func (w *WorkingMemory) IsEmpty() bool {
	return w == nil || (len(w.Facts) == 0 && len(w.Goals) == 0 && len(w.UserInfo) == 0 && len(w.Context) == 0)
}

// SizeBytes is the size of the JSON encoding, used for capacity limits.
func (w *WorkingMemory) SizeBytes() int {
	b, err := json.Marshal(w)
	if err != nil {
		return 0
	}
	return len(b)
}

// TemplateData exposes the working memory to instruction templates.
func (w *WorkingMemory) TemplateData() map[string]any {
	if w == nil {
		w = NewWorkingMemory()
	}
	return map[string]any{
		"facts":     w.Facts,
		"goals":     w.Goals,
		"user_info": w.UserInfo,
		"context":   w.Context,
	}
}

func unionStrings(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(add))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	for _, s := range add {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		base = append(base, s)
	}
	return base
}
