package reconciler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/megacodist/vpn-harvester/pkg/models"
	"github.com/megacodist/vpn-harvester/pkg/snapshot"
)

var syncT0 = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

// feedText builds snapshot text in the feed's column order from
// name/country/score triples.
func feedText(rows ...[3]string) string {
	var b strings.Builder
	b.WriteString("*vpn_servers\n")
	b.WriteString("#HostName,IP,Score,Ping,Speed,CountryLong,CountryShort,NumVpnSessions," +
		"Uptime,TotalUsers,TotalTraffic,LogType,Operator,Message,OpenVPN_ConfigData_Base64\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s,203.0.113.1,%s,12,1000,Japan,%s,3,86400,42,987,2weeks,op,msg,YmxvYg==\n",
			r[0], r[2], r[1])
	}
	b.WriteString("*\n")
	return b.String()
}

type fakeGateway struct {
	servers   map[string]*models.Server
	nextID    int64
	upsertErr error
	deleteErr error
	upserts   []string
	deletes   []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{servers: make(map[string]*models.Server)}
}

func copyServer(src *models.Server) *models.Server {
	cfg := *src.Config
	dst := models.NewServer(&cfg)
	for k, v := range src.Stats {
		stat := *v
		dst.Stats[k] = &stat
	}
	for k, v := range src.Tests {
		test := *v
		dst.Tests[k] = &test
	}
	return dst
}

func (g *fakeGateway) ReadAll(ctx context.Context) ([]*models.Server, error) {
	out := make([]*models.Server, 0, len(g.servers))
	for _, srv := range g.servers {
		out = append(out, copyServer(srv))
	}
	return out, nil
}

func (g *fakeGateway) ReadByName(ctx context.Context, name string) (*models.Server, error) {
	srv, ok := g.servers[name]
	if !ok {
		return nil, nil
	}
	return copyServer(srv), nil
}

func (g *fakeGateway) Upsert(ctx context.Context, server *models.Server) error {
	if g.upsertErr != nil {
		return g.upsertErr
	}
	if server.Config.ID == 0 {
		g.nextID++
		server.Config.ID = g.nextID
	}
	for _, stat := range server.Stats {
		if stat.ID == 0 {
			g.nextID++
			stat.ID = g.nextID
		}
	}
	for _, test := range server.Tests {
		if test.ID == 0 {
			g.nextID++
			test.ID = g.nextID
		}
	}
	g.servers[server.Config.Name] = copyServer(server)
	g.upserts = append(g.upserts, server.Config.Name)
	return nil
}

func (g *fakeGateway) DeleteByName(ctx context.Context, name string) error {
	if g.deleteErr != nil {
		return g.deleteErr
	}
	delete(g.servers, name)
	g.deletes = append(g.deletes, name)
	return nil
}

func TestSyncFromSnapshotAddsServers(t *testing.T) {
	m := New(nil)
	err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"}), syncT0)
	if err != nil {
		t.Fatalf("SyncFromSnapshot() error = %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if got := m.PendingUpserts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PendingUpserts() = %v", got)
	}
	if got := m.PendingDeletes(); len(got) != 0 {
		t.Errorf("PendingDeletes() = %v", got)
	}

	srv, ok := m.Server("a")
	if !ok {
		t.Fatal("server a missing")
	}
	if srv.Config.CountryCode != "JP" || len(srv.Stats) != 1 {
		t.Errorf("server a = %+v", srv)
	}
}

func TestSyncFromSnapshotFormatError(t *testing.T) {
	m := New(nil)
	err := m.SyncFromSnapshot("*only comments\n", syncT0)
	if !errors.Is(err, snapshot.ErrFormat) {
		t.Fatalf("error = %v, want ErrFormat", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after failed sync", m.Len())
	}
}

func TestSyncFromSnapshotSchemaMismatch(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing columns", "#HostName,Score\na,10\n"},
		{
			"extra column",
			"#HostName,IP,Score,Ping,Speed,CountryLong,CountryShort,NumVpnSessions," +
				"Uptime,TotalUsers,TotalTraffic,LogType,Operator,Message," +
				"OpenVPN_ConfigData_Base64,Bonus\na,1.2.3.4,1,2,3,J,JP,1,1,1,1,l,o,m,x,y\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil)
			err := m.SyncFromSnapshot(tt.text, syncT0)
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("error = %v, want ErrSchemaMismatch", err)
			}
			if m.Len() != 0 || len(m.PendingUpserts()) != 0 {
				t.Error("state changed on schema mismatch")
			}
		})
	}
}

func TestSyncIdempotence(t *testing.T) {
	m := New(nil)
	gw := newFakeGateway()
	text := feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"})

	if err := m.SyncFromSnapshot(text, syncT0); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := m.SaveChanges(context.Background(), gw); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The same snapshot again, later: every server's stat is value-equal to
	// its predecessor, so nothing becomes dirty.
	if err := m.SyncFromSnapshot(text, syncT0.Add(time.Hour)); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := m.PendingUpserts(); len(got) != 0 {
		t.Errorf("PendingUpserts() = %v, want none", got)
	}
	if got := m.PendingDeletes(); len(got) != 0 {
		t.Errorf("PendingDeletes() = %v, want none", got)
	}
}

func TestSyncDetectsDeletions(t *testing.T) {
	m := New(nil)
	all := feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"}, [3]string{"c", "US", "30"})
	if err := m.SyncFromSnapshot(all, syncT0); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := m.SaveChanges(context.Background(), newFakeGateway()); err != nil {
		t.Fatalf("save: %v", err)
	}

	onlyAC := feedText([3]string{"a", "JP", "11"}, [3]string{"c", "US", "31"})
	if err := m.SyncFromSnapshot(onlyAC, syncT0.Add(time.Hour)); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if _, ok := m.Server("b"); ok {
		t.Error("server b still held")
	}
	if got := m.PendingDeletes(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("PendingDeletes() = %v, want [b]", got)
	}
	if got := m.PendingUpserts(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("PendingUpserts() = %v, want [a c]", got)
	}
}

func TestSyncSkipsBadRowOnly(t *testing.T) {
	m := New(nil)
	// Server "a" appears twice with different stat values at the same
	// instant; the second row conflicts and is skipped, "b" still lands.
	text := feedText([3]string{"a", "JP", "10"}, [3]string{"a", "JP", "11"}, [3]string{"b", "KR", "20"})
	if err := m.SyncFromSnapshot(text, syncT0); err != nil {
		t.Fatalf("SyncFromSnapshot() error = %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	srv, _ := m.Server("a")
	if stat := srv.Stats[syncT0]; stat == nil || stat.Score != 10 {
		t.Errorf("server a stat = %+v, want score 10", stat)
	}
	if got := m.PendingUpserts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PendingUpserts() = %v", got)
	}
}

func TestSaveChanges(t *testing.T) {
	t.Run("commits diff and clears dirty sets", func(t *testing.T) {
		m := New(nil)
		gw := newFakeGateway()
		if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}), syncT0); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := m.SaveChanges(context.Background(), gw); err != nil {
			t.Fatalf("SaveChanges() error = %v", err)
		}
		if !reflect.DeepEqual(gw.upserts, []string{"a"}) {
			t.Errorf("upserts = %v", gw.upserts)
		}
		if len(m.PendingUpserts()) != 0 || len(m.PendingDeletes()) != 0 {
			t.Error("dirty sets not cleared")
		}

		// The gateway assigned surrogate ids to the held aggregate.
		srv, _ := m.Server("a")
		if srv.Config.ID == 0 {
			t.Error("config id not populated")
		}
		for _, stat := range srv.Stats {
			if stat.ID == 0 {
				t.Error("stat id not populated")
			}
		}
	})

	t.Run("keeps dirty sets on failure so retry is safe", func(t *testing.T) {
		m := New(nil)
		gw := newFakeGateway()
		gw.upsertErr = errors.New("connection reset")
		if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}), syncT0); err != nil {
			t.Fatalf("sync: %v", err)
		}

		err := m.SaveChanges(context.Background(), gw)
		if err == nil {
			t.Fatal("SaveChanges() error = nil, want failure")
		}
		if got := m.PendingUpserts(); !reflect.DeepEqual(got, []string{"a"}) {
			t.Errorf("PendingUpserts() = %v after failure", got)
		}

		gw.upsertErr = nil
		if err := m.SaveChanges(context.Background(), gw); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if _, ok := gw.servers["a"]; !ok {
			t.Error("server a not persisted on retry")
		}
	})

	t.Run("issues deletes", func(t *testing.T) {
		m := New(nil)
		gw := newFakeGateway()
		if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"}), syncT0); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := m.SaveChanges(context.Background(), gw); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "11"}), syncT0.Add(time.Hour)); err != nil {
			t.Fatalf("second sync: %v", err)
		}
		if err := m.SaveChanges(context.Background(), gw); err != nil {
			t.Fatalf("second save: %v", err)
		}
		if !reflect.DeepEqual(gw.deletes, []string{"b"}) {
			t.Errorf("deletes = %v, want [b]", gw.deletes)
		}
		if _, ok := gw.servers["b"]; ok {
			t.Error("server b still persisted")
		}
	})
}

func TestResetFromGateway(t *testing.T) {
	gw := newFakeGateway()
	seed := New(nil)
	if err := seed.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"}), syncT0); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	if err := seed.SaveChanges(context.Background(), gw); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	m := New(nil)
	if err := m.SyncFromSnapshot(feedText([3]string{"stale", "US", "1"}), syncT0); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := m.ResetFromGateway(context.Background(), gw); err != nil {
		t.Fatalf("ResetFromGateway() error = %v", err)
	}

	if got := m.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Names() = %v, want [a b]", got)
	}
	if len(m.PendingUpserts()) != 0 || len(m.PendingDeletes()) != 0 {
		t.Error("dirty sets not cleared by reset")
	}
	srv, _ := m.Server("a")
	if srv.Config.ID == 0 {
		t.Error("reloaded server lost its surrogate id")
	}
}

func TestReaddedServerLeavesDeleteSet(t *testing.T) {
	m := New(nil)
	if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "10"}, [3]string{"b", "KR", "20"}), syncT0); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "11"}), syncT0.Add(time.Hour)); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if err := m.SyncFromSnapshot(feedText([3]string{"a", "JP", "12"}, [3]string{"b", "KR", "21"}), syncT0.Add(2*time.Hour)); err != nil {
		t.Fatalf("third sync: %v", err)
	}

	if got := m.PendingDeletes(); len(got) != 0 {
		t.Errorf("PendingDeletes() = %v, want none", got)
	}
	if got := m.PendingUpserts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PendingUpserts() = %v, want [a b]", got)
	}
}

func TestDeleteServerUnknownName(t *testing.T) {
	m := New(nil)
	m.DeleteServer("ghost")
	if len(m.PendingDeletes()) != 0 {
		t.Errorf("PendingDeletes() = %v, want none", m.PendingDeletes())
	}
}
