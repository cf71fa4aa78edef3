package exec

import (
	"context"
	"fmt"
	"os"

	"github.com/leapstack-labs/zima/internal/dialect"
	"github.com/leapstack-labs/zima/internal/store"
)

// RunWorker is the worker-process side of the execution protocol: read and
// delete the payload, run the cell under its dialect, write the output
// atomically. Any returned error makes the process exit non-zero with the
// error on the log stream; no structured failure crosses back.
func RunWorker(ctx context.Context, payloadPath, outputPath string) error {
	payload, err := ReadPayload(payloadPath)
	if err != nil {
		return err
	}
	if err := os.Remove(payloadPath); err != nil {
		return fmt.Errorf("failed to remove payload: %w", err)
	}

	st, err := store.New(payload.DataDir)
	if err != nil {
		return err
	}

	preamble, err := dialect.ExecPreamble(payload.Preamble)
	if err != nil {
		return err
	}

	d, err := dialect.New(payload.Dialect)
	if err != nil {
		return err
	}

	result, err := d.Execute(ctx, dialect.Request{
		Cell:      payload.Cell,
		Preamble:  preamble,
		Code:      payload.Code,
		VarHashes: payload.Vars,
		Store:     st,
	})
	if err != nil {
		return err
	}

	return WriteOutput(outputPath, &Output{
		AccessedVars: result.AccessedVars,
		CreatedVars:  result.CreatedVars,
	})
}
