// Package reconciler tracks the authoritative in-memory set of relay
// servers across repeated snapshot ingestions and computes the minimal
// upsert/delete diff to commit to durable storage.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/megacodist/vpn-harvester/pkg/models"
	"github.com/megacodist/vpn-harvester/pkg/snapshot"
)

// ErrSchemaMismatch reports a snapshot whose column set differs from the
// columns the record model requires.
var ErrSchemaMismatch = errors.New("snapshot columns do not match expected set")

// Gateway is the durable storage the manager commits its diff to. The
// gateway owns natural-key uniqueness and referential integrity; the
// manager does not re-validate them.
type Gateway interface {
	// ReadAll loads every server with both series, surrogate ids populated.
	ReadAll(ctx context.Context) ([]*models.Server, error)
	// ReadByName loads one server by natural key, nil if absent.
	ReadByName(ctx context.Context, name string) (*models.Server, error)
	// Upsert inserts or updates one aggregate atomically, populating the
	// surrogate ids of the config and of any stats/tests that lack one.
	Upsert(ctx context.Context, server *models.Server) error
	// DeleteByName removes a server and, transitively, its stats and tests.
	DeleteByName(ctx context.Context, name string) error
}

// Manager holds the authoritative server set keyed by name plus the two
// dirty-tracking sets. It is purely in-memory: all I/O happens through the
// gateway passed to SaveChanges/ResetFromGateway. Not safe for concurrent
// use; callers wanting that must serialize access themselves.
type Manager struct {
	logger        *slog.Logger
	servers       map[string]*models.Server
	pendingUpsert map[string]struct{}
	pendingDelete map[string]struct{}
}

// New returns an empty manager. A nil logger means slog.Default.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger,
		servers:       make(map[string]*models.Server),
		pendingUpsert: make(map[string]struct{}),
		pendingDelete: make(map[string]struct{}),
	}
}

// Len returns the number of servers currently held.
func (m *Manager) Len() int { return len(m.servers) }

// Server returns the held aggregate for name, if any.
func (m *Manager) Server(name string) (*models.Server, bool) {
	srv, ok := m.servers[name]
	return srv, ok
}

// Names returns the held server names, sorted.
func (m *Manager) Names() []string { return sortedKeys(m.servers) }

// PendingUpserts returns the names marked for upsert, sorted.
func (m *Manager) PendingUpserts() []string { return sortedKeys(m.pendingUpsert) }

// PendingDeletes returns the names marked for deletion, sorted.
func (m *Manager) PendingDeletes() []string { return sortedKeys(m.pendingDelete) }

// SyncFromSnapshot parses text and merges every row into the held set,
// keying the rows' stats at now. New and changed servers are marked for
// upsert; servers absent from the snapshot are removed and marked for
// deletion. A per-server merge failure skips that server only. Malformed
// text or a wrong column set fails the whole call with nothing ingested.
func (m *Manager) SyncFromSnapshot(text string, now time.Time) error {
	data, err := snapshot.Parse(text)
	if err != nil {
		return err
	}
	if err := checkSchema(data.Header); err != nil {
		return err
	}
	idx, err := models.IndexColumns(data.Header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	syncID := uuid.New().String()
	now = now.UTC()
	fresh := make(map[string]struct{}, len(data.Rows))
	for i, row := range data.Rows {
		incoming := models.ServerFromRow(idx, row, now)
		name := incoming.Config.Name
		if name == "" {
			m.logger.Warn("Skipping row with empty server name", "sync", syncID, "row", i+1)
			continue
		}
		fresh[name] = struct{}{}
		existing, ok := m.servers[name]
		if !ok {
			// A re-added name must leave the delete set; the dirty sets
			// are mutually exclusive.
			delete(m.pendingDelete, name)
			m.servers[name] = incoming
			m.pendingUpsert[name] = struct{}{}
			continue
		}
		changed, err := existing.MergeFrom(incoming)
		if err != nil {
			m.logger.Warn("Could not update server from snapshot",
				"sync", syncID, "server", name, "row", i+1, "error", err)
			continue
		}
		if changed {
			m.pendingUpsert[name] = struct{}{}
		}
	}

	var stale []string
	for name := range m.servers {
		if _, ok := fresh[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		m.DeleteServer(name)
	}

	m.logger.Info("Snapshot synchronized",
		"sync", syncID,
		"rows", len(data.Rows),
		"servers", len(m.servers),
		"pendingUpserts", len(m.pendingUpsert),
		"pendingDeletes", len(m.pendingDelete))
	return nil
}

// DeleteServer removes name from the held set and marks it for deletion on
// the next SaveChanges. An unknown name is logged and ignored.
func (m *Manager) DeleteServer(name string) {
	if _, ok := m.servers[name]; !ok {
		m.logger.Warn("Attempted to delete unknown server", "server", name)
		return
	}
	delete(m.servers, name)
	delete(m.pendingUpsert, name)
	m.pendingDelete[name] = struct{}{}
}

// SaveChanges commits the tracked diff through gw: upserts for every
// pending-upsert name still held, deletes for every pending-delete name.
// Both sets are cleared only if every call succeeds; on failure they are
// left intact so a retry re-issues the same diff.
func (m *Manager) SaveChanges(ctx context.Context, gw Gateway) error {
	for _, name := range sortedKeys(m.pendingUpsert) {
		srv, ok := m.servers[name]
		if !ok {
			continue
		}
		if err := gw.Upsert(ctx, srv); err != nil {
			return fmt.Errorf("upserting server %q: %w", name, err)
		}
	}
	for _, name := range sortedKeys(m.pendingDelete) {
		if err := gw.DeleteByName(ctx, name); err != nil {
			return fmt.Errorf("deleting server %q: %w", name, err)
		}
	}
	m.logger.Info("Changes saved",
		"upserted", len(m.pendingUpsert), "deleted", len(m.pendingDelete))
	m.pendingUpsert = make(map[string]struct{})
	m.pendingDelete = make(map[string]struct{})
	return nil
}

// ResetFromGateway discards all in-memory state and reloads the full
// server set from gw. On a read error the previous state is kept.
func (m *Manager) ResetFromGateway(ctx context.Context, gw Gateway) error {
	servers, err := gw.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("reading servers from gateway: %w", err)
	}
	m.servers = make(map[string]*models.Server, len(servers))
	m.pendingUpsert = make(map[string]struct{})
	m.pendingDelete = make(map[string]struct{})
	for _, srv := range servers {
		m.servers[srv.Config.Name] = srv
	}
	m.logger.Debug("State reset from gateway", "servers", len(m.servers))
	return nil
}

func checkSchema(header []string) error {
	have := make(map[string]struct{}, len(header))
	for _, name := range header {
		have[name] = struct{}{}
	}
	required := models.RequiredColumns()
	if len(have) != len(required) {
		return fmt.Errorf("%w: got %d distinct columns, want %d",
			ErrSchemaMismatch, len(have), len(required))
	}
	for _, name := range required {
		if _, ok := have[name]; !ok {
			return fmt.Errorf("%w: missing %q", ErrSchemaMismatch, name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
