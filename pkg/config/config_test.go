package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if AppConfig.RPC.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected rpc listen_addr: %s", AppConfig.RPC.ListenAddr)
	}
	if AppConfig.Consensus.RetargetWindow != 20 {
		t.Fatalf("unexpected retarget window: %d", AppConfig.Consensus.RetargetWindow)
	}
	if AppConfig.Mining.Enabled {
		t.Fatalf("mining should be disabled by default")
	}
}

func TestLoadEnvVarOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	os.Setenv("HALOBLOCK_RPC_LISTEN_ADDR", "127.0.0.1:9090")
	defer os.Unsetenv("HALOBLOCK_RPC_LISTEN_ADDR")

	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if AppConfig.RPC.ListenAddr != "127.0.0.1:9090" {
		t.Fatalf("expected env override to win, got %s", AppConfig.RPC.ListenAddr)
	}
}
