// Package ovpn exports servers' base64 connection profiles as .ovpn files.
package ovpn

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/megacodist/vpn-harvester/pkg/models"
)

// Export writes each server's decoded profile to dir as <name>.ovpn and
// returns how many files were written. Servers with an empty or
// undecodable blob are logged and skipped.
func Export(dir string, servers []*models.Server) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating export dir: %w", err)
	}

	written := 0
	for _, srv := range servers {
		name := srv.Config.Name
		if name == "" || strings.ContainsAny(name, `/\`) {
			slog.Warn("Skipping server with unusable name", "name", name)
			continue
		}
		if srv.Config.ConfigBlob == "" {
			slog.Debug("No connection profile", "server", name)
			continue
		}
		profile, err := base64.StdEncoding.DecodeString(srv.Config.ConfigBlob)
		if err != nil {
			slog.Warn("Skipping undecodable profile", "server", name, "error", err)
			continue
		}
		path := filepath.Join(dir, name+".ovpn")
		if err := os.WriteFile(path, profile, 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written++
	}

	return written, nil
}
