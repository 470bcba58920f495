// This command writes a new cleartext AES-256-GCM keyset for encrypting the
// daemon's stored values. The file it writes is the one named by
// STORAGE_ENCRYPTION_KEYSET_FILE, and must be protected like any other
// secret.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rewardly/sync-bridge/internal/encryption"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	KeysetFile string `env:"STORAGE_ENCRYPTION_KEYSET_FILE, default=.development/keys/storage-keyset.json"`
	Overwrite  bool   `env:"UTIL_KEYSET_OVERWRITE, default=false"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if err := writeKeyset(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error writing keyset: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("keyset written to %s\n", cfg.KeysetFile)
}

func writeKeyset(cfg Config) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if cfg.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(cfg.KeysetFile, flags, 0o600)
	if err != nil {
		return err
	}

	if err := encryption.WriteNewKeyset(f); err != nil {
		_ = f.Close()
		return err
	}

	// the keyset is only usable once it is fully flushed
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
