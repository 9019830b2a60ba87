package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// readPrivateKey loads a hex-encoded ed25519 private key written by keygen.
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not hex: %w", path, err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s has %d bytes, want %d", path, len(b), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(b), nil
}

func writePrivateKey(path string, priv ed25519.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, hex.EncodeToString(priv))
	return err
}

// creatorOf returns the identity for priv.
func creatorOf(priv ed25519.PrivateKey) model.Identity {
	return auth.IdentityFromKey(priv.Public().(ed25519.PublicKey))
}

var keygenCmd = &cobra.Command{
	Use:               "keygen <file>",
	Short:             "Generate a creator signing key",
	GroupID:           "keys",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: localOnly,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		if err := writePrivateKey(args[0], priv); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
		creator := auth.IdentityFromKey(pub)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"creator": string(creator), "key_file": args[0]})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key written to %s\nCreator: %s\n", args[0], creator)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:               "sign <config.json>",
	Short:             "Sign a registration proof for a task config",
	GroupID:           "keys",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: localOnly,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		priv, err := readPrivateKey(keyFile)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var cfg model.TaskConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		if cfg.Creator == "" {
			cfg.Creator = creatorOf(priv)
		}
		proof, err := auth.IssueProof(priv, &cfg, time.Now(), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), proof)
		return nil
	},
}

func init() {
	signCmd.Flags().String("key", "", "creator key file (required)")
	signCmd.Flags().Duration("ttl", auth.DefaultMaxAge, "proof lifetime")
	_ = signCmd.MarkFlagRequired("key")
}
