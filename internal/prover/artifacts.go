package prover

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/afero"

	"zkescrow/internal/config"
	"zkescrow/internal/domain"
)

// ArtifactSet names the circuit files. VerificationKey may be empty.
type ArtifactSet struct {
	WitnessGenerator string
	ProvingKey       string
	InputTemplate    string
	VerificationKey  string
}

// ArtifactSetFromConfig resolves configured paths against the workspace.
func ArtifactSetFromConfig(workspace string, c config.CircuitConfig) ArtifactSet {
	return ArtifactSet{
		WitnessGenerator: config.ResolvePath(workspace, c.WitnessGenerator),
		ProvingKey:       config.ResolvePath(workspace, c.ProvingKey),
		InputTemplate:    config.ResolvePath(workspace, c.InputTemplate),
		VerificationKey:  config.ResolvePath(workspace, c.VerificationKey),
	}
}

func (s ArtifactSet) required() []string {
	return []string{s.WitnessGenerator, s.ProvingKey, s.InputTemplate}
}

// Store reads artifacts from any afero filesystem.
type Store struct {
	Fs afero.Fs
}

func NewOSStore() Store {
	return Store{Fs: afero.NewOsFs()}
}

func (s Store) fs() afero.Fs {
	if s.Fs == nil {
		return afero.NewOsFs()
	}
	return s.Fs
}

// Check stats every required artifact and reports all missing ones at once.
func (s Store) Check(set ArtifactSet) error {
	var missing []string
	for _, p := range set.required() {
		if strings.TrimSpace(p) == "" {
			missing = append(missing, "<unset>")
			continue
		}
		info, err := s.fs().Stat(p)
		if err != nil || info.IsDir() {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return domain.ArtifactMissingError{Paths: missing}
	}
	return nil
}

func (s Store) Open(path string) (afero.File, error) {
	return s.fs().Open(path)
}

func (s Store) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.fs(), path)
}

// ReadOptional returns nil, nil when path is unset or absent.
func (s Store) ReadOptional(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := s.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s Store) Create(path string) (afero.File, error) {
	if dir := parentDir(path); dir != "" {
		if err := s.fs().MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return s.fs().Create(path)
}

func parentDir(p string) string {
	i := strings.LastIndexAny(p, `/\`)
	if i <= 0 {
		return ""
	}
	return p[:i]
}

func (s Store) readFrom(path string, r io.ReaderFrom) error {
	f, err := s.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := r.ReadFrom(f); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s Store) writeTo(path string, w io.WriterTo) error {
	f, err := s.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// InputTemplate carries the circuit inputs that do not come from the request.
// Values are decimal strings, matching the snarkjs input.json convention.
type InputTemplate struct {
	Secret string `json:"secret"`
}

func (t InputTemplate) secret() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(t.Secret), 10)
	if !ok {
		return nil, domain.Invalid("input_template.secret", "must be a decimal field element")
	}
	if v.Sign() < 0 || v.Cmp(fieldModulus()) >= 0 {
		return nil, domain.Invalid("input_template.secret", "out of field range")
	}
	return v, nil
}

func (s Store) LoadTemplate(path string) (InputTemplate, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return InputTemplate{}, err
	}
	var tpl InputTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return InputTemplate{}, domain.Invalid("input_template", "malformed json: %v", err)
	}
	if _, err := tpl.secret(); err != nil {
		return InputTemplate{}, err
	}
	return tpl, nil
}

func (s Store) SaveTemplate(path string, tpl InputTemplate) error {
	data, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return err
	}
	f, err := s.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
