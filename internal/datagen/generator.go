package datagen

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"batchd/internal/executor"
	"batchd/internal/infra"
	"batchd/pkg/archive"
)

const maxRows = 1_000_000

// Generator produces synthetic row files for batch data-generation jobs.
// Output is deterministic per operation id, so a retried operation rewrites
// the identical file instead of drifting.
type Generator struct {
	outDir string
	logger *infra.Logger
}

// descriptor is the operation payload a data-generation operation understands.
type descriptor struct {
	Schema   string   `json:"schema"`
	Rows     int      `json:"rows"`
	Format   string   `json:"format,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	Compress bool     `json:"compress,omitempty"`
}

// NewGenerator builds a generator writing under outDir.
func NewGenerator(outDir string, logger *infra.Logger) (*Generator, error) {
	if outDir == "" {
		return nil, fmt.Errorf("datagen: output directory is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("datagen: ensure output directory: %w", err)
	}
	return &Generator{outDir: outDir, logger: logger}, nil
}

// Execute generates one row file. It satisfies the executor contract.
func (g *Generator) Execute(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	var desc descriptor
	if err := json.Unmarshal(req.Descriptor, &desc); err != nil {
		return nil, fmt.Errorf("decode datagen descriptor: %w", err)
	}
	if desc.Schema == "" {
		return nil, fmt.Errorf("datagen descriptor missing schema name")
	}
	if desc.Rows < 1 || desc.Rows > maxRows {
		return nil, fmt.Errorf("datagen rows must be between 1 and %d, got %d", maxRows, desc.Rows)
	}
	format := desc.Format
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "jsonl" {
		return nil, fmt.Errorf("unsupported datagen format %q", format)
	}
	columns := desc.Columns
	if len(columns) == 0 {
		columns = []string{"id", "value"}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	rng := rand.New(rand.NewSource(seedFor(req.OperationID)))
	if format == "csv" {
		if err := writeCSV(&buf, columns, desc.Rows, rng); err != nil {
			return nil, err
		}
	} else {
		writeJSONL(&buf, columns, desc.Rows, rng)
	}

	dir := filepath.Join(g.outDir, req.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datagen: ensure job directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.%s", desc.Schema, req.OperationID, format)
	data := buf.Bytes()
	if desc.Compress {
		zipped, err := archive.Build([]archive.Entry{{Name: name, Data: data}})
		if err != nil {
			return nil, fmt.Errorf("datagen: compress rows: %w", err)
		}
		data = zipped
		name += ".zip"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("datagen: write rows: %w", err)
	}

	if g.logger != nil {
		g.logger.Debug().
			Str("job_id", req.JobID).
			Str("op_id", req.OperationID).
			Str("schema", desc.Schema).
			Int("rows", desc.Rows).
			Msg("generated row file")
	}
	return json.Marshal(map[string]any{
		"path":   path,
		"schema": desc.Schema,
		"rows":   desc.Rows,
		"format": format,
		"bytes":  len(data),
	})
}

func writeCSV(buf *bytes.Buffer, columns []string, rows int, rng *rand.Rand) error {
	w := csv.NewWriter(buf)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("datagen: write header: %w", err)
	}
	record := make([]string, len(columns))
	for i := 1; i <= rows; i++ {
		fillRecord(record, columns, i, rng)
		if err := w.Write(record); err != nil {
			return fmt.Errorf("datagen: write row %d: %w", i, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSONL(buf *bytes.Buffer, columns []string, rows int, rng *rand.Rand) {
	record := make([]string, len(columns))
	enc := json.NewEncoder(buf)
	for i := 1; i <= rows; i++ {
		fillRecord(record, columns, i, rng)
		row := make(map[string]string, len(columns))
		for k, col := range columns {
			row[col] = record[k]
		}
		_ = enc.Encode(row)
	}
}

func fillRecord(record []string, columns []string, rowNum int, rng *rand.Rand) {
	for i, col := range columns {
		if col == "id" {
			record[i] = strconv.Itoa(rowNum)
			continue
		}
		record[i] = fmt.Sprintf("%s_%08x", col, rng.Uint32())
	}
}

func seedFor(opID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(opID))
	return int64(h.Sum64())
}

var _ executor.Executor = (*Generator)(nil)
