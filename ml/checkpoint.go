package ml

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

var (
	ErrNoCheckpoints         = errors.New("no models found")
	ErrUnsupportedCheckpoint = errors.New("unsupported checkpoint")
)

// CheckpointVersion is the schema written by Save.
//
//	1: a bare gob-encoded name -> tensor map (the format saveModel used).
//	2: the Checkpoint envelope below.
const CheckpointVersion = 2

// Checkpoint is the persisted state of one network.
type Checkpoint struct {
	Version int
	RunName string
	Net     string
	Epoch   int
	Params  map[string]torch.Tensor
}

var epochSuffix = regexp.MustCompile(`_(\d+)\.[^.]+$`)

// Migrate upgrades c in place to CheckpointVersion. file is the name c was
// read from; old schemas recover their metadata from it.
func Migrate(c *Checkpoint, file string) error {
	for c.Version < CheckpointVersion {
		switch c.Version {
		case 1:
			c.Epoch = -1
			if m := epochSuffix.FindStringSubmatch(filepath.Base(file)); m != nil {
				c.Epoch, _ = strconv.Atoi(m[1])
			}
			base := filepath.Base(file)
			if i := strings.Index(base, "_netG_"); i > 0 {
				c.RunName = base[:i]
			}
			c.Net = "netG_x"
			c.Version = 2
		default:
			return fmt.Errorf("%w: schema version %d", ErrUnsupportedCheckpoint, c.Version)
		}
	}
	if c.Version > CheckpointVersion {
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrUnsupportedCheckpoint, c.Version, CheckpointVersion)
	}
	return nil
}

// hostCopy detaches the parameters onto the CPU without moving the network.
func hostCopy(states map[string]torch.Tensor) map[string]torch.Tensor {
	out := make(map[string]torch.Tensor, len(states))
	for name, t := range states {
		out[name] = t.Detach().To(torch.NewDevice("cpu"), t.Dtype())
	}
	return out
}

// WriteCheckpoint encodes c to path. The file appears under its final name
// only once it is complete, so a crash never leaves a truncated "latest".
func WriteCheckpoint(path string, c *Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint decodes path, accepting every known schema version, and
// migrates the result to CheckpointVersion.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var c Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&c); err != nil {
		states := make(map[string]torch.Tensor)
		if legacyErr := gob.NewDecoder(bytes.NewReader(raw)).Decode(&states); legacyErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedCheckpoint, path, err)
		}
		c = Checkpoint{Version: 1, Params: states}
	}
	if c.Version == 0 {
		return nil, fmt.Errorf("%w: %s has no schema version", ErrUnsupportedCheckpoint, path)
	}
	if err := Migrate(&c, path); err != nil {
		return nil, err
	}
	return &c, nil
}

// CheckpointStore keeps generator checkpoints of one run in a directory,
// one file per saved epoch.
type CheckpointStore struct {
	dir     string
	runName string
}

func NewCheckpointStore(dir, runName string) *CheckpointStore {
	return &CheckpointStore{dir: dir, runName: runName}
}

// Filename zero-pads the epoch so lexicographic order is epoch order up to
// epoch 9999.
func (s *CheckpointStore) Filename(epoch int) string {
	return fmt.Sprintf("%s_netG_%04d.gob", s.runName, epoch)
}

// Save writes the weights of net for epoch and returns the file name.
func (s *CheckpointStore) Save(epoch int, net Network) (string, error) {
	name := s.Filename(epoch)
	c := &Checkpoint{
		Version: CheckpointVersion,
		RunName: s.runName,
		Net:     "netG_x",
		Epoch:   epoch,
		Params:  hostCopy(net.Weights()),
	}
	if err := WriteCheckpoint(filepath.Join(s.dir, name), c); err != nil {
		return "", err
	}
	util.Logger.Printf("model saved as %s", name)
	return name, nil
}

// Latest returns the path of the lexicographically greatest file in the
// store's directory.
func (s *CheckpointStore) Latest() (string, error) {
	return LatestIn(s.dir)
}

// LatestIn returns the lexicographically greatest regular file name in dir,
// skipping hidden files. Recency is only encoded by zero-padded epochs: with
// unpadded names run_netG_9 sorts after run_netG_10.
func LatestIn(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoints, dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// Restore loads the checkpoint at path into net.
func Restore(path string, net Network) (*Checkpoint, error) {
	c, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := net.LoadWeights(c.Params); err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return c, nil
}
