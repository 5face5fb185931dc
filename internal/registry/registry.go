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

// Package registry tracks live agents and their parent-child spawn graph,
// backing the in-memory view with a SQLite-persisted table so the daemon
// can restore agent identity across restarts.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the "sqlite3" driver
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/csync"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/permission"
)

// State is an agent's lifecycle state.
type State string

const (
	StateRegistering State = "registering"
	StateReady       State = "ready"
	StateBusy        State = "busy"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

// validNextStates enforces the agent lifecycle's allowed transitions:
// registering -> ready, ready <-> busy while handling requests, either of
// those -> terminating, and terminating -> dead. dead is terminal.
var validNextStates = map[State]map[State]bool{
	StateRegistering: {StateReady: true},
	StateReady:       {StateBusy: true, StateTerminating: true},
	StateBusy:        {StateReady: true, StateTerminating: true},
	StateTerminating: {StateDead: true},
	StateDead:        {},
}

// Agent is a registered, permissioned entity with a sandbox and,
// optionally, a live subprocess and socket connection.
type Agent struct {
	AgentID       string
	ProfileName   string
	Permissions   permission.Profile // immutable after spawn
	SandboxUUID   string
	ParentAgentID string
	SessionID     string
	State         State
	Capabilities  []string // provided capabilities, for TASK_ASSIGNMENT resolution
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DBConfig configures the registry's backing SQLite database, with
// optional SQLCipher encryption at rest.
type DBConfig struct {
	Path            string
	EncryptDatabase bool
	EncryptionKey   string
}

// OpenDB opens the registry's SQLite database, applying SQLCipher
// encryption when configured.
func OpenDB(cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	if cfg.EncryptDatabase {
		if cfg.EncryptionKey == "" {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but no key provided")
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = '%s'", cfg.EncryptionKey)); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting encryption key: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if cfg.EncryptDatabase {
			return nil, fmt.Errorf("verifying encryption key (wrong key or corrupted database): %w", err)
		}
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	profile_name TEXT NOT NULL,
	permissions_json TEXT NOT NULL,
	sandbox_uuid TEXT NOT NULL,
	parent_agent_id TEXT,
	session_id TEXT,
	state TEXT NOT NULL,
	capabilities_json TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_agent_id);
CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
`

// Registry tracks agent_id -> Agent, in memory for fast lookup and in
// SQLite for persistence across restarts.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger
	agents *csync.Map[string, *Agent]
}

// New opens db (expected to already exist via OpenDB), applies the schema,
// and restores any previously registered agents into memory.
func New(db *sql.DB, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initializing registry schema: %w", err)
	}

	r := &Registry{db: db, logger: logger, agents: csync.NewMap[string, *Agent]()}
	if err := r.restore(); err != nil {
		logger.Warn("failed to restore agents from database", zap.Error(err))
	}
	return r, nil
}

func (r *Registry) restore() error {
	rows, err := r.db.Query(`SELECT agent_id, profile_name, permissions_json, sandbox_uuid,
		parent_agent_id, session_id, state, capabilities_json, created_at, updated_at FROM agents
		WHERE state != ?`, StateDead)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			r.logger.Warn("skipping malformed agent row", zap.Error(err))
			continue
		}
		r.agents.Set(agent.AgentID, agent)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		agent                          Agent
		permJSON, capJSON              string
		parentAgentID, sessionID       sql.NullString
		createdAtUnix, updatedAtUnix   int64
	)
	if err := row.Scan(&agent.AgentID, &agent.ProfileName, &permJSON, &agent.SandboxUUID,
		&parentAgentID, &sessionID, &agent.State, &capJSON, &createdAtUnix, &updatedAtUnix); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permJSON), &agent.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshaling permissions for %s: %w", agent.AgentID, err)
	}
	if err := json.Unmarshal([]byte(capJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities for %s: %w", agent.AgentID, err)
	}
	agent.ParentAgentID = parentAgentID.String
	agent.SessionID = sessionID.String
	agent.CreatedAt = time.Unix(0, createdAtUnix)
	agent.UpdatedAt = time.Unix(0, updatedAtUnix)
	return &agent, nil
}

// Register persists and caches a newly spawned agent.
func (r *Registry) Register(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.UpdatedAt = agent.CreatedAt

	permJSON, err := json.Marshal(agent.Permissions)
	if err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "marshaling agent permissions")
	}
	capJSON, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "marshaling agent capabilities")
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO agents
		(agent_id, profile_name, permissions_json, sandbox_uuid, parent_agent_id, session_id, state, capabilities_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			profile_name=excluded.profile_name, permissions_json=excluded.permissions_json,
			sandbox_uuid=excluded.sandbox_uuid, parent_agent_id=excluded.parent_agent_id,
			session_id=excluded.session_id, state=excluded.state,
			capabilities_json=excluded.capabilities_json, updated_at=excluded.updated_at`,
		agent.AgentID, agent.ProfileName, string(permJSON), agent.SandboxUUID,
		nullable(agent.ParentAgentID), nullable(agent.SessionID), agent.State, string(capJSON),
		agent.CreatedAt.UnixNano(), agent.UpdatedAt.UnixNano())
	if err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "persisting agent registration")
	}

	r.agents.Set(agent.AgentID, agent)
	r.logger.Info("registered agent",
		zap.String("agent_id", agent.AgentID), zap.String("profile", agent.ProfileName))
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get returns the in-memory agent record for agentID.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	return r.agents.Get(agentID)
}

// SetState transitions agentID to state, both in memory and on disk,
// rejecting any transition not allowed by the agent lifecycle state
// machine (registering -> ready -> busy/terminating -> dead, with
// ready <-> busy cycling per request).
func (r *Registry) SetState(ctx context.Context, agentID string, state State) error {
	agent, ok := r.agents.Get(agentID)
	if !ok {
		return ksierr.Newf(ksierr.NotFound, "agent %q not registered", agentID)
	}
	if !validNextStates[agent.State][state] {
		return ksierr.Newf(ksierr.BadRequest, "agent %q cannot transition from %q to %q", agentID, agent.State, state)
	}
	agent.State = state
	agent.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `UPDATE agents SET state = ?, updated_at = ? WHERE agent_id = ?`,
		state, agent.UpdatedAt.UnixNano(), agentID)
	if err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "updating agent state")
	}
	return nil
}

// Remove drives agentID through terminating to dead and drops it from the
// in-memory cache. The row is kept (state=dead) for audit rather than
// deleted.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	if agent, ok := r.agents.Get(agentID); ok && agent.State != StateTerminating {
		if err := r.SetState(ctx, agentID, StateTerminating); err != nil {
			return err
		}
	}
	if err := r.SetState(ctx, agentID, StateDead); err != nil {
		return err
	}
	r.agents.Delete(agentID)
	r.logger.Info("removed agent", zap.String("agent_id", agentID))
	return nil
}

// Children returns the agent IDs whose ParentAgentID is parentID.
func (r *Registry) Children(parentID string) []string {
	var out []string
	r.agents.Seq(func(id string, agent *Agent) bool {
		if agent.ParentAgentID == parentID {
			out = append(out, id)
		}
		return true
	})
	return out
}

// List returns every currently live (non-dead) agent.
func (r *Registry) List() []*Agent {
	var out []*Agent
	r.agents.Seq(func(_ string, agent *Agent) bool {
		out = append(out, agent)
		return true
	})
	return out
}

// ResolveAgent implements bus.CapabilityResolver: it returns a live agent
// ID whose provided Capabilities are a superset of required, preferring
// the agent with fewest extra capabilities (closest match).
func (r *Registry) ResolveAgent(required []string) (string, bool) {
	var best *Agent
	var bestExtra int
	r.agents.Seq(func(_ string, agent *Agent) bool {
		if agent.State != StateReady && agent.State != StateBusy {
			return true
		}
		if !hasAllCapabilities(agent.Capabilities, required) {
			return true
		}
		extra := len(agent.Capabilities) - len(required)
		if best == nil || extra < bestExtra {
			best, bestExtra = agent, extra
		}
		return true
	})
	if best == nil {
		return "", false
	}
	return best.AgentID, true
}

func hasAllCapabilities(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// Close closes the backing database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}
