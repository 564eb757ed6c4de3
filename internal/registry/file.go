package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/veridegree/veridegree/internal/fsutil"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

// File names inside a circuit directory.
const (
	ManifestFile     = "manifest.toml"
	ProgramFile      = "circuit.r1cs"
	ProvingKeyFile   = "proving.key"
	VerifyingKeyFile = "verifying.key"
)

// Manifest pins a circuit's parameters and the BLAKE3 digest of each
// artifact file.
type Manifest struct {
	ID            string  `toml:"id"`
	Family        string  `toml:"family"`
	Scale         int64   `toml:"scale"`
	MaxValue      int64   `toml:"max_value"`
	ThresholdStep int64   `toml:"threshold_step"`
	Digests       Digests `toml:"digests"`
}

// Digests are hex-encoded BLAKE3-256 sums of the artifact files.
type Digests struct {
	Program      string `toml:"program"`
	ProvingKey   string `toml:"proving_key"`
	VerifyingKey string `toml:"verifying_key"`
}

// Circuit returns the circuit parameters recorded in the manifest.
func (m *Manifest) Circuit() zkproof.PredicateCircuit {
	return zkproof.PredicateCircuit{
		ID:            m.ID,
		Family:        m.Family,
		Scale:         m.Scale,
		MaxValue:      m.MaxValue,
		ThresholdStep: m.ThresholdStep,
	}
}

// File is a directory-backed registry with one sub-directory per circuit:
//
//	<root>/<circuitId>/manifest.toml
//	<root>/<circuitId>/circuit.r1cs
//	<root>/<circuitId>/proving.key
//	<root>/<circuitId>/verifying.key
//
// Loaded artifacts are cached by ID. Concurrent resolutions of the same ID
// share a single load.
type File struct {
	root   string
	logger *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*zkproof.Artifacts
	gen   map[string]uint64 // bumped on eviction

	loads atomic.Int64
}

// FileOption configures a File registry.
type FileOption func(*File)

// WithLogger sets the logger used for load and eviction events.
func WithLogger(l *slog.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// NewFile opens a registry rooted at dir. The directory must exist.
func NewFile(root string, opts ...FileOption) (*File, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("registry root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("registry root is not a directory: %s", root)
	}

	f := &File{
		root:   root,
		logger: slog.Default(),
		cache:  make(map[string]*zkproof.Artifacts),
		gen:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the registry directory.
func (f *File) Root() string { return f.root }

// Loads returns how many times artifacts were read from disk.
func (f *File) Loads() int64 { return f.loads.Load() }

// Resolve implements Registry.
func (f *File) Resolve(ctx context.Context, circuitID string) (*zkproof.Artifacts, error) {
	if !validID(circuitID) {
		return nil, &UnknownCircuitError{CircuitID: circuitID}
	}

	f.mu.RLock()
	a, ok := f.cache[circuitID]
	f.mu.RUnlock()
	if ok {
		return a, nil
	}

	ch := f.group.DoChan(circuitID, func() (any, error) {
		return f.load(circuitID)
	})
	select {
	case <-ctx.Done():
		return nil, &ArtifactLoadError{CircuitID: circuitID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*zkproof.Artifacts), nil
	}
}

// Evict drops a cached circuit so the next Resolve reloads it from disk.
func (f *File) Evict(circuitID string) {
	f.mu.Lock()
	_, cached := f.cache[circuitID]
	delete(f.cache, circuitID)
	f.gen[circuitID]++
	f.mu.Unlock()

	f.group.Forget(circuitID)
	if cached {
		f.logger.Info("evicted circuit artifacts", "circuit", circuitID)
	}
}

// Circuits lists the IDs of every published circuit, sorted.
func (f *File) Circuits() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("read registry root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.root, e.Name(), ManifestFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) load(circuitID string) (*zkproof.Artifacts, error) {
	f.mu.RLock()
	gen := f.gen[circuitID]
	f.mu.RUnlock()

	dir := filepath.Join(f.root, circuitID)
	manifest, err := ReadManifest(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &UnknownCircuitError{CircuitID: circuitID}
		}
		return nil, &ArtifactLoadError{CircuitID: circuitID, Err: err}
	}
	if manifest.ID != circuitID {
		return nil, &ArtifactLoadError{CircuitID: circuitID,
			Err: fmt.Errorf("manifest id %q does not match directory", manifest.ID)}
	}

	blobs := &zkproof.Blobs{}
	for _, item := range []struct {
		name   string
		digest string
		dst    *[]byte
	}{
		{ProgramFile, manifest.Digests.Program, &blobs.Program},
		{ProvingKeyFile, manifest.Digests.ProvingKey, &blobs.ProvingKey},
		{VerifyingKeyFile, manifest.Digests.VerifyingKey, &blobs.VerifyingKey},
	} {
		data, err := os.ReadFile(filepath.Join(dir, item.name))
		if err != nil {
			return nil, &ArtifactLoadError{CircuitID: circuitID, Err: err}
		}
		if got := Digest(data); got != strings.ToLower(item.digest) {
			return nil, &ArtifactLoadError{CircuitID: circuitID,
				Err: fmt.Errorf("%s digest mismatch: manifest %s, file %s", item.name, item.digest, got)}
		}
		*item.dst = data
	}

	a, err := zkproof.LoadArtifacts(manifest.Circuit(), blobs)
	if err != nil {
		return nil, &ArtifactLoadError{CircuitID: circuitID, Err: err}
	}
	f.loads.Add(1)

	f.mu.Lock()
	if f.gen[circuitID] == gen {
		f.cache[circuitID] = a
	}
	f.mu.Unlock()

	f.logger.Info("loaded circuit artifacts", "circuit", circuitID, "dir", dir)
	return a, nil
}

// ReadManifest reads and strictly decodes dir/manifest.toml.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// WriteArtifacts publishes artifacts as a new circuit directory under root.
// The manifest is written last, so a crash mid-publish leaves a directory
// that Resolve treats as unknown rather than corrupt.
func WriteArtifacts(root string, a *zkproof.Artifacts) (*Manifest, error) {
	pc := a.Circuit
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	if !validID(pc.ID) {
		return nil, fmt.Errorf("registry: circuit id %q is not a valid directory name", pc.ID)
	}

	dir := filepath.Join(root, pc.ID)
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrCircuitExists, pc.ID)
	}

	blobs, err := a.Blobs()
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		ID:            pc.ID,
		Family:        pc.Family,
		Scale:         pc.Scale,
		MaxValue:      pc.MaxValue,
		ThresholdStep: pc.ThresholdStep,
		Digests: Digests{
			Program:      Digest(blobs.Program),
			ProvingKey:   Digest(blobs.ProvingKey),
			VerifyingKey: Digest(blobs.VerifyingKey),
		},
	}

	for name, data := range map[string][]byte{
		ProgramFile:      blobs.Program,
		ProvingKeyFile:   blobs.ProvingKey,
		VerifyingKeyFile: blobs.VerifyingKey,
	} {
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, ManifestFile), data, 0644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// Digest returns the hex BLAKE3-256 sum of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validID reports whether id can name a circuit directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
