package notebook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/leapstack-labs/zima/internal/dialect"
	"github.com/leapstack-labs/zima/internal/store"
)

// cellMarker introduces a cell block in the notebook text.
const cellMarker = "#%cell"

// ParseError reports malformed notebook text. A reload that hits one leaves
// the last-good definition in place.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string {
	return "notebook parse error: " + e.Msg
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

var cellIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
var attrNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// recognized header attributes.
var knownAttrs = map[string]bool{
	"dialect":       true,
	"dep_refresh":   true,
	"refresh_every": true,
}

// Parse turns notebook text into a definition: the preamble source up to the
// first cell marker, then one block per `#%cell <id> <header>` line.
func Parse(text, dataDir string) (*Def, error) {
	type rawCell struct {
		header string
		lines  []string
	}

	var preambleLines []string
	var blocks []rawCell

	for _, line := range strings.Split(text, "\n") {
		if line == cellMarker || strings.HasPrefix(line, cellMarker+" ") {
			blocks = append(blocks, rawCell{header: strings.TrimSpace(strings.TrimPrefix(line, cellMarker))})
			continue
		}
		if len(blocks) == 0 {
			preambleLines = append(preambleLines, line)
		} else {
			last := &blocks[len(blocks)-1]
			last.lines = append(last.lines, line)
		}
	}

	preambleSource := strings.Join(preambleLines, "\n")
	preamble, err := dialect.ExecPreamble(preambleSource)
	if err != nil {
		return nil, err
	}

	def := &Def{
		DataDir:        dataDir,
		PreambleSource: preambleSource,
		Preamble:       preamble,
		Cells:          make(map[string]*CellDef, len(blocks)),
	}

	for _, block := range blocks {
		cell, err := parseCell(preamble, block.header, strings.Join(block.lines, "\n"))
		if err != nil {
			return nil, err
		}
		if _, dup := def.Cells[cell.ID]; dup {
			return nil, parseErrorf("duplicate cell %q", cell.ID)
		}
		def.Cells[cell.ID] = cell
		def.Order = append(def.Order, cell.ID)
	}

	return def, nil
}

// parseCell parses one cell's header and code. The header is a sequence of
// `name` or `name=expression` tokens; expressions are evaluated against the
// preamble's symbols.
func parseCell(preamble *dialect.Preamble, header, code string) (*CellDef, error) {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return nil, parseErrorf("missing cell id")
	}

	id := fields[0]
	if !cellIDRegex.MatchString(id) {
		return nil, parseErrorf("invalid cell id %q: only alphanumeric characters are allowed", id)
	}

	cell := &CellDef{
		ID:       id,
		Code:     strings.TrimSpace(code),
		ArgsCode: make(map[string]string),
	}

	for _, tok := range fields[1:] {
		name, expr, isAssign := strings.Cut(tok, "=")
		if !attrNameRegex.MatchString(name) {
			return nil, parseErrorf("cell %s: invalid header fragment %q", id, tok)
		}
		if !knownAttrs[name] {
			return nil, parseErrorf("cell %s: unknown attribute %q", id, name)
		}
		if _, dup := cell.ArgsCode[name]; dup {
			return nil, parseErrorf("cell %s: attribute %q given twice", id, name)
		}
		if !isAssign {
			expr = "True"
		} else if expr == "" {
			return nil, parseErrorf("cell %s: invalid header fragment %q", id, tok)
		}

		value, err := preamble.Eval(expr)
		if err != nil {
			return nil, parseErrorf("cell %s: attribute %s: %v", id, name, err)
		}
		if err := applyAttr(cell, name, value); err != nil {
			return nil, parseErrorf("cell %s: attribute %s: %v", id, name, err)
		}

		cell.ArgsCode[name] = expr
		cell.argsOrder = append(cell.argsOrder, name)
	}

	cell.CodeHash = store.HashString(cell.ArgsCode["dialect"] + "\n" + cell.Code)
	return cell, nil
}

// applyAttr converts an evaluated header value to its typed field.
func applyAttr(cell *CellDef, name string, v starlark.Value) error {
	switch name {
	case "dialect":
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("expected string, got %s", v.Type())
		}
		cell.Dialect = s
	case "dep_refresh":
		b, ok := v.(starlark.Bool)
		if !ok {
			return fmt.Errorf("expected bool, got %s", v.Type())
		}
		cell.DepRefresh = bool(b)
	case "refresh_every":
		d, err := durationValue(v)
		if err != nil {
			return err
		}
		cell.RefreshEvery = d
	}
	return nil
}

// durationValue accepts seconds as an int or float, or a duration string
// like "5m".
func durationValue(v starlark.Value) (time.Duration, error) {
	switch x := v.(type) {
	case starlark.Int:
		secs, ok := x.Int64()
		if !ok {
			return 0, fmt.Errorf("duration out of range")
		}
		return time.Duration(secs) * time.Second, nil
	case starlark.Float:
		return time.Duration(float64(x) * float64(time.Second)), nil
	case starlark.String:
		d, err := time.ParseDuration(string(x))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", string(x))
		}
		return d, nil
	default:
		return 0, fmt.Errorf("expected seconds or duration string, got %s", v.Type())
	}
}

// UnparseCell serializes a cell back to its textual block. Re-parsing the
// result yields an equivalent CellDef.
func UnparseCell(cell *CellDef) (string, error) {
	for _, line := range strings.Split(cell.Code, "\n") {
		if line == cellMarker || strings.HasPrefix(line, cellMarker+" ") {
			return "", fmt.Errorf("cell %s: code contains a cell marker line", cell.ID)
		}
	}

	parts := []string{cellMarker, cell.ID}
	for _, name := range cell.argsOrder {
		expr := cell.ArgsCode[name]
		if expr == "True" {
			parts = append(parts, name)
		} else {
			parts = append(parts, name+"="+expr)
		}
	}

	return strings.Join(parts, " ") + "\n" + cell.Code + "\n", nil
}

// Unparse serializes the whole notebook to its canonical text form.
func Unparse(def *Def) (string, error) {
	var b strings.Builder
	b.WriteString(def.PreambleSource)
	if !strings.HasSuffix(def.PreambleSource, "\n") {
		b.WriteString("\n")
	}

	for _, id := range def.Order {
		text, err := UnparseCell(def.Cells[id])
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
