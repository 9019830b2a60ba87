// Package auth verifies that a task registration was authorized by the
// identity named as its creator.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// Signer checks a creator's authorization proof for a task config.
// Verify returns nil only when proof was produced by creator for exactly
// this config.
type Signer interface {
	Verify(ctx context.Context, creator model.Identity, proof string, cfg *model.TaskConfig) error
}

// SignerFunc adapts a plain function to the Signer interface.
type SignerFunc func(ctx context.Context, creator model.Identity, proof string, cfg *model.TaskConfig) error

func (f SignerFunc) Verify(ctx context.Context, creator model.Identity, proof string, cfg *model.TaskConfig) error {
	return f(ctx, creator, proof, cfg)
}

// digestFields is the part of a TaskConfig a proof commits to. LastRun is
// excluded since registration always stores it as zero.
type digestFields struct {
	Creator    model.Identity  `json:"creator"`
	Target     model.Identity  `json:"target"`
	Function   string          `json:"function"`
	Args       []model.Value   `json:"args"`
	Resolver   *model.Identity `json:"resolver"`
	Interval   uint64          `json:"interval"`
	GasBalance int64           `json:"gas_balance"`
}

// ConfigDigest returns the hex SHA-256 of the canonical encoding of cfg.
func ConfigDigest(cfg *model.TaskConfig) (string, error) {
	args := make([]model.Value, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = compact(a)
	}
	var resolver *model.Identity
	if cfg.HasResolver() {
		resolver = cfg.Resolver
	}
	b, err := json.Marshal(digestFields{
		Creator:    cfg.Creator,
		Target:     cfg.Target,
		Function:   cfg.Function,
		Args:       args,
		Resolver:   resolver,
		Interval:   cfg.Interval,
		GasBalance: cfg.GasBalance,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// compact strips insignificant whitespace so that `[1, 2]` and `[1,2]`
// digest the same. Invalid JSON is returned unchanged.
func compact(v model.Value) model.Value {
	var out json.RawMessage
	if err := json.Unmarshal(v, &out); err != nil {
		return v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return v
	}
	return b
}
