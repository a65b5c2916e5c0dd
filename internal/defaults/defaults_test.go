package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AliyahZombie/Plotrix/internal/config"
)

func TestConfigYAML_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ActiveProvider != "default" {
		t.Errorf("active_provider = %q", cfg.ActiveProvider)
	}
	if !cfg.Chat.Stream || !cfg.Chat.RollToolEnabled() {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Listen.Port != config.DefaultPort {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("servers = %v", cfg.MCP.Servers)
	}
}
