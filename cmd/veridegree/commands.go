package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/veridegree/veridegree/internal/audit"
	"github.com/veridegree/veridegree/internal/config"
	"github.com/veridegree/veridegree/internal/disclosure"
	"github.com/veridegree/veridegree/internal/httpapi"
	"github.com/veridegree/veridegree/internal/ledger"
	"github.com/veridegree/veridegree/internal/registry"
	"github.com/veridegree/veridegree/internal/vault"
	"github.com/veridegree/veridegree/pkg/bundle"
	"github.com/veridegree/veridegree/pkg/fixedpoint"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

// ErrNotVerified is returned by Verify when the bundle is rejected.
var ErrNotVerified = errors.New("not verified")

// knownCircuits are the circuits setup can generate.
var knownCircuits = map[string]zkproof.PredicateCircuit{
	zkproof.CGPACircuit().ID: zkproof.CGPACircuit(),
}

// CLI runs veridegree commands.
type CLI struct {
	output io.Writer
	errOut io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// NewCLI creates a CLI writing results to output and logs to errOut.
func NewCLI(output, errOut io.Writer) *CLI {
	return &CLI{output: output, errOut: errOut}
}

// Close releases everything opened by the last command.
func (c *CLI) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && c.logger != nil {
			c.logger.Warn("close failed", "error", err)
		}
	}
	c.closers = nil
}

// flags returns a FlagSet carrying the common -config and -log-level flags.
func (c *CLI) flags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	configPath := fs.String("config", config.DefaultPaths().ConfigFile, "Path to TOML configuration file")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	return fs, configPath, logLevel
}

// load reads configuration and installs the logger.
func (c *CLI) load(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = slog.New(slog.NewJSONHandler(c.errOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	return nil
}

func (c *CLI) parse(name string, args []string) (*flag.FlagSet, func() error) {
	fs, configPath, logLevel := c.flags(name)
	return fs, func() error {
		if err := fs.Parse(args); err != nil {
			return err
		}
		return c.load(*configPath, *logLevel)
	}
}

func (c *CLI) openRegistry() (*registry.File, error) {
	if err := os.MkdirAll(c.cfg.Registry.Root, 0700); err != nil {
		return nil, err
	}
	return registry.NewFile(c.cfg.Registry.Root, registry.WithLogger(c.logger))
}

func (c *CLI) openLedger() (*ledger.SQL, error) {
	if err := os.MkdirAll(filepath.Dir(c.cfg.Ledger.DSN), 0700); err != nil {
		return nil, err
	}
	l, err := ledger.OpenSQLite(c.cfg.Ledger.DSN)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, l.Close)
	return l, nil
}

func (c *CLI) openVault() (*vault.File, error) {
	if c.cfg.Vault.Passphrase == "" {
		return nil, fmt.Errorf("%sVAULT_PASSPHRASE is required", config.EnvPrefix)
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.Vault.Path), 0700); err != nil {
		return nil, err
	}
	return vault.OpenFile(c.cfg.Vault.Path, c.cfg.Vault.Passphrase)
}

func (c *CLI) openPublisher() (audit.Publisher, error) {
	if !c.cfg.Audit.Enabled {
		return audit.Noop{}, nil
	}
	p, err := audit.Dial(c.cfg.Audit.URL, c.cfg.Audit.Exchange, c.cfg.Audit.RoutingKey)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, p.Close)
	return p, nil
}

func (c *CLI) serviceConfig() disclosure.Config {
	return disclosure.Config{
		ProverTimeout:   c.cfg.ProverTimeout(),
		VerifierTimeout: c.cfg.VerifierTimeout(),
		Policy: disclosure.Policy{
			MaxAge:     c.cfg.Policy.MaxAge(),
			FutureSkew: c.cfg.Policy.FutureSkew(),
		},
	}
}

// service builds a disclosure service; the vault is only opened for proving.
func (c *CLI) service(reg registry.Registry, withVault bool) (*disclosure.Service, error) {
	l, err := c.openLedger()
	if err != nil {
		return nil, err
	}
	pub, err := c.openPublisher()
	if err != nil {
		return nil, err
	}
	opts := []disclosure.Option{
		disclosure.WithLedger(l),
		disclosure.WithPublisher(pub),
		disclosure.WithLogger(c.logger),
	}
	if withVault {
		v, err := c.openVault()
		if err != nil {
			return nil, err
		}
		opts = append(opts, disclosure.WithVault(v))
	}
	return disclosure.NewService(c.serviceConfig(), reg, opts...)
}

// Setup generates Groth16 artifacts for a circuit and publishes them to the
// registry root.
func (c *CLI) Setup(args []string) error {
	fs, parse := c.parse("setup", args)
	circuitID := fs.String("circuit", zkproof.CGPACircuit().ID, "Circuit to set up")
	if err := parse(); err != nil {
		return err
	}

	pc, ok := knownCircuits[*circuitID]
	if !ok {
		return fmt.Errorf("unknown circuit %q", *circuitID)
	}
	if err := os.MkdirAll(c.cfg.Registry.Root, 0700); err != nil {
		return err
	}

	c.logger.Info("running circuit setup", "circuit", pc.ID)
	a, err := zkproof.Setup(pc)
	if err != nil {
		return err
	}
	m, err := registry.WriteArtifacts(c.cfg.Registry.Root, a)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Published %s to %s\n", m.ID, c.cfg.Registry.Root)
	fmt.Fprintf(c.output, "  program:       %s\n", m.Digests.Program)
	fmt.Fprintf(c.output, "  proving key:   %s\n", m.Digests.ProvingKey)
	fmt.Fprintf(c.output, "  verifying key: %s\n", m.Digests.VerifyingKey)
	return nil
}

// Circuits lists the circuits published in the registry.
func (c *CLI) Circuits(args []string) error {
	_, parse := c.parse("circuits", args)
	if err := parse(); err != nil {
		return err
	}
	reg, err := c.openRegistry()
	if err != nil {
		return err
	}
	ids, err := reg.Circuits()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(c.output, "No circuits published.")
		return nil
	}
	for _, id := range ids {
		m, err := registry.ReadManifest(filepath.Join(reg.Root(), id))
		if err != nil {
			fmt.Fprintf(c.output, "%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Fprintf(c.output, "%s  family=%s scale=%d max=%d step=%d\n",
			m.ID, m.Family, m.Scale, m.MaxValue, m.ThresholdStep)
	}
	return nil
}

// Credential manages ledger entries and their private measurements.
func (c *CLI) Credential(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: veridegree credential <add|revoke> [flags]")
	}
	switch args[0] {
	case "add":
		return c.credentialAdd(ctx, args[1:])
	case "revoke":
		return c.credentialRevoke(ctx, args[1:])
	}
	return fmt.Errorf("unknown credential command %q", args[0])
}

func (c *CLI) credentialAdd(ctx context.Context, args []string) error {
	fs, parse := c.parse("credential add", args)
	id := fs.String("id", "", "Credential ID")
	issuer := fs.String("issuer", "", "Issuer ID")
	holder := fs.String("holder", "", "Holder ID")
	value := fs.String("value", "", "Private measurement, e.g. 9.50")
	if err := parse(); err != nil {
		return err
	}
	if *id == "" || *issuer == "" || *value == "" {
		return errors.New("-id, -issuer and -value are required")
	}
	measurement, err := fixedpoint.Parse(*value)
	if err != nil {
		return err
	}
	if _, err := zkproof.CGPACircuit().Domain().EncodePrivate(measurement); err != nil {
		return err
	}

	l, err := c.openLedger()
	if err != nil {
		return err
	}
	v, err := c.openVault()
	if err != nil {
		return err
	}
	// Every ledger row must have a measurement.
	err = v.Put(*id, measurement)
	measurement.SetInt64(0)
	if err != nil {
		return err
	}
	if err := l.Put(ctx, ledger.Credential{ID: *id, IssuerID: *issuer, HolderID: *holder}); err != nil {
		if derr := v.Delete(*id); derr != nil {
			c.logger.Error("credential rollback failed", "credential", *id, "error", derr)
		}
		return err
	}

	fmt.Fprintf(c.output, "Added credential %s (issuer %s)\n", *id, *issuer)
	return nil
}

func (c *CLI) credentialRevoke(ctx context.Context, args []string) error {
	fs, parse := c.parse("credential revoke", args)
	id := fs.String("id", "", "Credential ID")
	if err := parse(); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	l, err := c.openLedger()
	if err != nil {
		return err
	}
	if err := l.Revoke(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Revoked credential %s\n", *id)
	return nil
}

// Prove generates a bundle and writes it to the output directory.
func (c *CLI) Prove(ctx context.Context, args []string) error {
	fs, parse := c.parse("prove", args)
	credentialID := fs.String("credential", "", "Credential ID")
	threshold := fs.String("threshold", "", "Threshold to prove against, e.g. 8.00")
	circuitID := fs.String("circuit", zkproof.CGPACircuit().ID, "Circuit ID")
	holder := fs.String("holder", "", "Holder ID to check against the ledger")
	outDir := fs.String("out", ".", "Directory to write the bundle to")
	if err := parse(); err != nil {
		return err
	}
	if *credentialID == "" || *threshold == "" {
		return errors.New("-credential and -threshold are required")
	}

	reg, err := c.openRegistry()
	if err != nil {
		return err
	}
	svc, err := c.service(reg, true)
	if err != nil {
		return err
	}

	job := svc.GenerateAsync(ctx, disclosure.GenerateRequest{
		CredentialID: *credentialID,
		CircuitID:    *circuitID,
		Threshold:    *threshold,
		HolderID:     *holder,
	})
	b, err := job.Wait(context.Background())
	if err != nil {
		return err
	}

	path, err := bundle.WriteFile(*outDir, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Wrote %s\n", path)
	return nil
}

// Verify checks a bundle file and prints the verdict.
func (c *CLI) Verify(ctx context.Context, args []string) error {
	fs, parse := c.parse("verify", args)
	credentialID := fs.String("credential", "", "Expected credential ID")
	issuerID := fs.String("issuer", "", "Expected issuer ID")
	if err := parse(); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: veridegree verify [flags] <bundle.json>")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	reg, err := c.openRegistry()
	if err != nil {
		return err
	}
	svc, err := c.service(reg, false)
	if err != nil {
		return err
	}

	o := svc.VerifyBytes(ctx, data, disclosure.Expectation{CredentialID: *credentialID, IssuerID: *issuerID})
	if o.Accepted() {
		fmt.Fprintf(c.output, "verified: credential %s from %s meets %s >= %s\n",
			o.Claim.CredentialID, o.Claim.IssuerID, o.Claim.CircuitID, o.Claim.Threshold)
		return nil
	}
	fmt.Fprintln(c.output, o.PublicMessage())
	if !c.cfg.Policy.CollapseReasons {
		fmt.Fprintf(c.output, "  reason: %s\n", o.Reason)
	}
	return ErrNotVerified
}

// Link prints a share link for a bundle file and optionally writes its QR code.
func (c *CLI) Link(args []string) error {
	fs, parse := c.parse("link", args)
	qrPath := fs.String("qr", "", "Write a PNG QR code of the link to this path")
	qrSize := fs.Int("qr-size", httpapi.QRSize, "QR code size in pixels")
	if err := parse(); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: veridegree link [flags] <bundle.json>")
	}
	b, err := bundle.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	token, err := bundle.EncodeLink(b)
	if err != nil {
		return err
	}
	url := httpapi.LinkURL(c.cfg.HTTP.PublicBaseURL, token)
	fmt.Fprintln(c.output, url)

	if *qrPath != "" {
		png, err := bundle.QRCode(url, *qrSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*qrPath, png, 0644); err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Wrote %s\n", *qrPath)
	}
	return nil
}

// ginMode keeps gin's banner and route dump for debug logging only.
func ginMode(level slog.Level) string {
	if level <= slog.LevelDebug {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

// Serve runs the HTTP API until ctx is canceled.
func (c *CLI) Serve(ctx context.Context, args []string) error {
	fs, parse := c.parse("serve", args)
	addr := fs.String("addr", "", "Listen address (overrides config)")
	if err := parse(); err != nil {
		return err
	}
	if *addr != "" {
		c.cfg.HTTP.Addr = *addr
	}

	reg, err := c.openRegistry()
	if err != nil {
		return err
	}
	if c.cfg.Registry.Watch {
		w, err := reg.Watch()
		if err != nil {
			return fmt.Errorf("watch registry: %w", err)
		}
		w.SetErrorCallback(func(err error) {
			c.logger.Warn("registry watcher error", "error", err)
		})
		c.closers = append(c.closers, w.Close)
		go w.Start(ctx)
	}

	svc, err := c.service(reg, false)
	if err != nil {
		return err
	}
	level, err := c.cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	gin.SetMode(ginMode(level))
	srv := httpapi.New(svc, httpapi.Config{
		PublicBaseURL:   c.cfg.HTTP.PublicBaseURL,
		CollapseReasons: c.cfg.Policy.CollapseReasons,
	}, c.logger)

	c.logger.Info("starting veridegree server",
		"addr", c.cfg.HTTP.Addr,
		"registry", reg.Root(),
		"audit", c.cfg.Audit.Enabled)
	return srv.ListenAndServe(ctx, c.cfg.HTTP.Addr)
}
