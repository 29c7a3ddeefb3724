package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/funderberkr/tractor"
	"github.com/funderberkr/tractor/internal/codec"
	"github.com/funderberkr/tractor/internal/config"
	"github.com/funderberkr/tractor/remote"
)

// blueprintFile is the YAML form of a blueprint accepted by the CLI.
type blueprintFile struct {
	Publisher   string    `yaml:"publisher"`
	PayloadType uint8     `yaml:"payload_type"`
	PayloadHex  string    `yaml:"payload_hex"`
	UseCeiling  uint64    `yaml:"use_ceiling"`
	ValidFrom   time.Time `yaml:"valid_from"`
	ValidUntil  time.Time `yaml:"valid_until"`
}

func loadBlueprint(path string) (tractor.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tractor.Blueprint{}, fmt.Errorf("failed to read blueprint: %w", err)
	}
	var f blueprintFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return tractor.Blueprint{}, fmt.Errorf("failed to parse blueprint %s: %w", path, err)
	}
	return f.blueprint()
}

func (f blueprintFile) blueprint() (tractor.Blueprint, error) {
	if f.Publisher == "" {
		return tractor.Blueprint{}, fmt.Errorf("blueprint publisher must not be empty")
	}
	data, err := hex.DecodeString(f.PayloadHex)
	if err != nil {
		return tractor.Blueprint{}, fmt.Errorf("invalid payload_hex: %w", err)
	}
	return tractor.Blueprint{
		Publisher:  tractor.Address(f.Publisher),
		Payload:    tractor.PackPayload(f.PayloadType, data),
		UseCeiling: f.UseCeiling,
		ValidFrom:  f.ValidFrom,
		ValidUntil: f.ValidUntil,
	}, nil
}

func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("tractor "+name, pflag.ContinueOnError)
	flagSet.SortFlags = false
	return flagSet
}

func runKeygen(args []string) error {
	flagSet := newFlagSet("keygen")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	key, err := ec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	addr, err := tractor.AddressFromPublicKey(key.PubKey())
	if err != nil {
		return err
	}
	fmt.Printf("wif:     %s\naddress: %s\n", key.Wif(), addr)
	return nil
}

func runHash(args []string) error {
	var configPath, blueprintPath string
	flagSet := newFlagSet("hash")
	flagSet.StringVar(&configPath, "config", "", "path to tractor YAML config")
	flagSet.StringVar(&blueprintPath, "blueprint", "", "path to blueprint YAML")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if blueprintPath == "" {
		return fmt.Errorf("%w: --blueprint is required", errUsage)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	bp, err := loadBlueprint(blueprintPath)
	if err != nil {
		return err
	}
	fmt.Printf("domain separator: %s\nblueprint hash:   %s\n", cfg.Domain.Separator(), cfg.Domain.HashBlueprint(bp))
	return nil
}

func runSign(args []string) error {
	var configPath, blueprintPath, outPath, scheme string
	flagSet := newFlagSet("sign")
	flagSet.StringVar(&configPath, "config", "", "path to tractor YAML config")
	flagSet.StringVar(&blueprintPath, "blueprint", "", "path to blueprint YAML")
	flagSet.StringVar(&outPath, "out", "", "output path for the CBOR signed blueprint")
	flagSet.StringVar(&scheme, "scheme", tractor.SchemeBSM, "signature scheme: bsm or brc77")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if blueprintPath == "" || outPath == "" {
		return fmt.Errorf("%w: --blueprint and --out are required", errUsage)
	}
	wif := os.Getenv("TRACTOR_WIF")
	if wif == "" {
		return fmt.Errorf("TRACTOR_WIF must hold the publisher's WIF key")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	bp, err := loadBlueprint(blueprintPath)
	if err != nil {
		return err
	}
	sb, err := tractor.SignWIF(cfg.Domain, bp, tractor.SignerConfig{PrivateKeyWIF: wif, Scheme: scheme})
	if err != nil {
		return err
	}
	data, err := codec.Marshal(sb)
	if err != nil {
		return fmt.Errorf("failed to encode signed blueprint: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	fmt.Printf("signed %s -> %s\n", sb.Hash, outPath)
	return nil
}

func runVerify(args []string) error {
	var configPath, inPath string
	flagSet := newFlagSet("verify")
	flagSet.StringVar(&configPath, "config", "", "path to tractor YAML config")
	flagSet.StringVar(&inPath, "in", "", "path to a CBOR signed blueprint")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if inPath == "" {
		return fmt.Errorf("%w: --in is required", errUsage)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inPath, err)
	}
	var sb tractor.SignedBlueprint
	if err := codec.Unmarshal(data, &sb); err != nil {
		return fmt.Errorf("failed to decode %s: %w", inPath, err)
	}

	ctx := context.Background()
	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLedger() }()

	// the controller registers the configured instance, so blueprints it
	// attested in this ledger verify too
	signers := delegateSigners(cfg)
	tractor.NewController(cfg.Domain, ledger, tractor.WithSigners(signers))
	v := tractor.NewVerifier(cfg.Domain, signers, cfg.MaxDelegationDepth)
	if err := v.Verify(ctx, sb); err != nil {
		fmt.Printf("%s: %s\n", sb.Hash, tractor.Reason(err))
		return err
	}
	fmt.Printf("%s: ok\n", sb.Hash)
	return nil
}

// delegateSigners registers every configured remote instance as a
// programmatic publisher.
func delegateSigners(cfg *config.Config) *tractor.Signers {
	signers := tractor.NewSigners()
	for _, d := range cfg.Delegates {
		signers.Register(d.Address, remote.NewClient(d.URL, nil))
	}
	return signers
}
