// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package permission loads and enforces per-agent permission profiles: tool
// allow/deny sets, filesystem access, resource caps, and capabilities, with
// the most-restrictive merge operator used for parent-child spawn validation.
package permission

// Level names a built-in or custom permission profile.
type Level string

const (
	LevelRestricted Level = "restricted"
	LevelStandard   Level = "standard"
	LevelTrusted    Level = "trusted"
	LevelResearcher Level = "researcher"
	LevelCustom     Level = "custom"
)

// ToolPermissions describes which tools an agent may invoke. A nil Allowed
// means "all tools" (the universe passed to EffectiveTools), narrowed by
// Denied either way.
type ToolPermissions struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
	Denied  []string `yaml:"denied" json:"denied"`
}

// EffectiveTools computes (allowed or universe) minus denied.
func (t ToolPermissions) EffectiveTools(universe []string) []string {
	denied := toSet(t.Denied)
	base := t.Allowed
	if base == nil {
		base = universe
	}
	out := make([]string, 0, len(base))
	for _, name := range base {
		if !denied[name] {
			out = append(out, name)
		}
	}
	return out
}

// IsAllowed reports whether tool is permitted against universe.
func (t ToolPermissions) IsAllowed(tool string, universe []string) bool {
	for _, name := range t.EffectiveTools(universe) {
		if name == tool {
			return true
		}
	}
	return false
}

// merge applies the most-restrictive operator: allow-sets intersect,
// deny-sets union. A nil Allowed on both sides stays nil (still "all").
func (t ToolPermissions) merge(other ToolPermissions) ToolPermissions {
	var allowed []string
	switch {
	case t.Allowed == nil && other.Allowed == nil:
		allowed = nil
	case t.Allowed == nil:
		allowed = other.Allowed
	case other.Allowed == nil:
		allowed = t.Allowed
	default:
		allowed = intersect(t.Allowed, other.Allowed)
	}
	return ToolPermissions{
		Allowed: allowed,
		Denied:  union(t.Denied, other.Denied),
	}
}

// FilesystemPermissions describes an agent's filesystem access.
type FilesystemPermissions struct {
	SandboxRoot   string   `yaml:"sandbox_root" json:"sandbox_root"`
	ReadPaths     []string `yaml:"read_paths" json:"read_paths"`
	WritePaths    []string `yaml:"write_paths" json:"write_paths"`
	MaxFileMB     int      `yaml:"max_file_mb" json:"max_file_mb"`
	MaxTotalMB    int      `yaml:"max_total_mb" json:"max_total_mb"`
	AllowSymlinks bool     `yaml:"allow_symlinks" json:"allow_symlinks"`
}

func (f FilesystemPermissions) merge(other FilesystemPermissions) FilesystemPermissions {
	return FilesystemPermissions{
		SandboxRoot:   other.SandboxRoot,
		ReadPaths:     intersectOrFallback(f.ReadPaths, other.ReadPaths),
		WritePaths:    intersectOrFallback(f.WritePaths, other.WritePaths),
		MaxFileMB:     minInt(f.MaxFileMB, other.MaxFileMB),
		MaxTotalMB:    minInt(f.MaxTotalMB, other.MaxTotalMB),
		AllowSymlinks: f.AllowSymlinks && other.AllowSymlinks,
	}
}

// ResourceLimits bounds an agent's LLM resource consumption.
type ResourceLimits struct {
	MaxTokensPerRequest int `yaml:"max_tokens_per_req" json:"max_tokens_per_req"`
	MaxTotalTokens      int `yaml:"max_total_tokens" json:"max_total_tokens"`
	MaxRequestsPerMin   int `yaml:"max_requests_per_min" json:"max_requests_per_min"`
}

func (r ResourceLimits) merge(other ResourceLimits) ResourceLimits {
	return ResourceLimits{
		MaxTokensPerRequest: minPositive(r.MaxTokensPerRequest, other.MaxTokensPerRequest),
		MaxTotalTokens:      minPositive(r.MaxTotalTokens, other.MaxTotalTokens),
		MaxRequestsPerMin:   minPositive(r.MaxRequestsPerMin, other.MaxRequestsPerMin),
	}
}

// Capabilities are boolean special privileges.
type Capabilities struct {
	SpawnAgents     bool `yaml:"spawn_agents" json:"spawn_agents"`
	AgentMessaging  bool `yaml:"agent_messaging" json:"agent_messaging"`
	MultiAgentTodo  bool `yaml:"multi_agent_todo" json:"multi_agent_todo"`
	NetworkAccess   bool `yaml:"network_access" json:"network_access"`
}

func (c Capabilities) merge(other Capabilities) Capabilities {
	return Capabilities{
		SpawnAgents:    c.SpawnAgents && other.SpawnAgents,
		AgentMessaging: c.AgentMessaging && other.AgentMessaging,
		MultiAgentTodo: c.MultiAgentTodo && other.MultiAgentTodo,
		NetworkAccess:  c.NetworkAccess && other.NetworkAccess,
	}
}

// Profile is the complete, immutable permission set assigned to an agent at
// spawn time.
type Profile struct {
	Level        Level                 `yaml:"level" json:"level"`
	Tools        ToolPermissions       `yaml:"tools" json:"tools"`
	Filesystem   FilesystemPermissions `yaml:"filesystem" json:"filesystem"`
	Resources    ResourceLimits        `yaml:"resources" json:"resources"`
	Capabilities Capabilities          `yaml:"capabilities" json:"capabilities"`
}

// Merge applies the most-restrictive operator ⊓, producing a profile no
// more permissive than either operand. The result is associative,
// commutative, and idempotent by construction (each field's merge is).
func (p Profile) Merge(other Profile) Profile {
	return Profile{
		Level:        LevelCustom,
		Tools:        p.Tools.merge(other.Tools),
		Filesystem:   p.Filesystem.merge(other.Filesystem),
		Resources:    p.Resources.merge(other.Resources),
		Capabilities: p.Capabilities.merge(other.Capabilities),
	}
}

// CanSpawn reports whether p (the parent) may spawn a child carrying
// childProfile, per the monotone de-escalation rule: the parent must allow
// spawning agents at all, and every facet of the child must be no more
// permissive than the parent's.
func (p Profile) CanSpawn(childProfile Profile, toolUniverse []string) bool {
	if !p.Capabilities.SpawnAgents {
		return false
	}

	parentTools := toSet(p.Tools.EffectiveTools(toolUniverse))
	for _, tool := range childProfile.Tools.EffectiveTools(toolUniverse) {
		if !parentTools[tool] {
			return false
		}
	}

	if childProfile.Filesystem.MaxFileMB > p.Filesystem.MaxFileMB {
		return false
	}
	if childProfile.Filesystem.MaxTotalMB > p.Filesystem.MaxTotalMB {
		return false
	}

	if childProfile.Resources.MaxTokensPerRequest > p.Resources.MaxTokensPerRequest {
		return false
	}
	if childProfile.Resources.MaxTotalTokens > p.Resources.MaxTotalTokens {
		return false
	}
	if childProfile.Resources.MaxRequestsPerMin > p.Resources.MaxRequestsPerMin {
		return false
	}

	if childProfile.Capabilities.NetworkAccess && !p.Capabilities.NetworkAccess {
		return false
	}
	if childProfile.Capabilities.SpawnAgents && !p.Capabilities.SpawnAgents {
		return false
	}
	if childProfile.Capabilities.AgentMessaging && !p.Capabilities.AgentMessaging {
		return false
	}
	if childProfile.Capabilities.MultiAgentTodo && !p.Capabilities.MultiAgentTodo {
		return false
	}

	return true
}

// Override describes caller-supplied adjustments layered onto a base
// profile, producing a derived custom profile. Overrides that would grant
// more than a parent allows are rejected at spawn-validation time, not here
// — Apply always succeeds; CanSpawn is the enforcement point.
type Override struct {
	AllowedAdd        []string `yaml:"allowed_add" json:"allowed_add"`
	AllowedRemove     []string `yaml:"allowed_remove" json:"allowed_remove"`
	DeniedAdd         []string `yaml:"denied_add" json:"denied_add"`
	ReadPathsAdd      []string `yaml:"read_paths_add" json:"read_paths_add"`
	WritePathsAdd     []string `yaml:"write_paths_add" json:"write_paths_add"`
	ResourcesMaxRaise *ResourceLimits `yaml:"resources_max_raise" json:"resources_max_raise"`
}

// Apply layers o onto base, producing a derived Level=custom profile.
func (o Override) Apply(base Profile) Profile {
	derived := base
	derived.Level = LevelCustom

	if len(o.AllowedAdd) > 0 {
		if derived.Tools.Allowed != nil {
			derived.Tools.Allowed = union(derived.Tools.Allowed, o.AllowedAdd)
		}
	}
	if len(o.AllowedRemove) > 0 {
		remove := toSet(o.AllowedRemove)
		var kept []string
		for _, t := range derived.Tools.Allowed {
			if !remove[t] {
				kept = append(kept, t)
			}
		}
		if derived.Tools.Allowed != nil {
			derived.Tools.Allowed = kept
		}
	}
	if len(o.DeniedAdd) > 0 {
		derived.Tools.Denied = union(derived.Tools.Denied, o.DeniedAdd)
	}
	if len(o.ReadPathsAdd) > 0 {
		derived.Filesystem.ReadPaths = union(derived.Filesystem.ReadPaths, o.ReadPathsAdd)
	}
	if len(o.WritePathsAdd) > 0 {
		derived.Filesystem.WritePaths = union(derived.Filesystem.WritePaths, o.WritePathsAdd)
	}
	if o.ResourcesMaxRaise != nil {
		derived.Resources.MaxTokensPerRequest = maxInt(derived.Resources.MaxTokensPerRequest, o.ResourcesMaxRaise.MaxTokensPerRequest)
		derived.Resources.MaxTotalTokens = maxInt(derived.Resources.MaxTotalTokens, o.ResourcesMaxRaise.MaxTotalTokens)
		derived.Resources.MaxRequestsPerMin = maxInt(derived.Resources.MaxRequestsPerMin, o.ResourcesMaxRaise.MaxRequestsPerMin)
	}

	return derived
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func intersect(a, b []string) []string {
	setB := toSet(b)
	var out []string
	for _, item := range a {
		if setB[item] {
			out = append(out, item)
		}
	}
	return out
}

// intersectOrFallback intersects a and b, unless b is empty in which case a
// is kept as-is — mirrors the merge semantics where an unset override
// operand does not erase the existing restriction.
func intersectOrFallback(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	return intersect(a, b)
}

func union(a, b []string) []string {
	set := toSet(a)
	out := append([]string(nil), a...)
	for _, item := range b {
		if !set[item] {
			set[item] = true
			out = append(out, item)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// minPositive picks the smaller of a, b, treating <= 0 as "unset" (so an
// unset limit never wins a merge against a real one).
func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
