// Package exec runs one cell's code in an isolated worker process and tracks
// its completion. The calling process and the worker share nothing but two
// files: a payload written by the caller and an output written by the worker.
package exec

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/leapstack-labs/zima/internal/fsx"
)

// maxMessageBytes caps payload and output decoding. Executions have no
// timeouts; this is the only guard against deserialization-layer pathology.
const maxMessageBytes = 64 << 20

// Payload is the serialized boundary into a worker process. Everything is by
// value: source text, hashes, and paths.
type Payload struct {
	// Cell is the executing cell's id.
	Cell string `json:"cell"`
	// Preamble is the shared preamble source; the worker re-executes it.
	Preamble string `json:"preamble"`
	// Code is the cell source to run.
	Code string `json:"code"`
	// Dialect selects the execution strategy.
	Dialect string `json:"dialect"`
	// Vars is the name→hash view of every variable visible to the cell.
	Vars map[string]string `json:"vars"`
	// DataDir locates the variable store.
	DataDir string `json:"data_dir"`
}

// Output is the serialized boundary out of a worker process. On failure the
// worker writes nothing and exits non-zero; the log stream is the only record.
type Output struct {
	// AccessedVars are the variable names the run read from the store.
	AccessedVars []string `json:"accessed_vars"`
	// CreatedVars maps produced variable names to content hashes.
	CreatedVars map[string]string `json:"created_vars"`
}

// WritePayload serializes a payload to path.
func WritePayload(path string, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// ReadPayload deserializes a payload from path.
func ReadPayload(path string) (*Payload, error) {
	var p Payload
	if err := readJSON(path, &p); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return &p, nil
}

// WriteOutput atomically writes the worker's output file. The caller only
// ever observes a complete output or none at all.
func WriteOutput(path string, out *Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if err := fsx.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// ReadOutput deserializes an output file.
func ReadOutput(path string) (*Output, error) {
	var out Output
	if err := readJSON(path, &out); err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return &out, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMessageBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxMessageBytes {
		return fmt.Errorf("message exceeds %d bytes", maxMessageBytes)
	}
	return json.Unmarshal(data, v)
}
