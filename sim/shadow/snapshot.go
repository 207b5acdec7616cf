package shadow

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrSnapshot wraps every snapshot read, write and format fault.
var ErrSnapshot = errors.New("shadow price snapshot")

// Column suffixes of the per-segment snapshot block, in file order.
var SnapshotColumns = []string{
	"origins",
	"sizeOriginal",
	"sizeAdjOriginal",
	"sizeScaled",
	"sizePrevious",
	"modeledDests",
	"sizeFinal",
	"shadowPrices",
}

const (
	snapshotIndexColumns = 2 // alt, mgra
	colScaled            = 3
	colFinal             = 6
	colPrice             = 7
)

// SnapshotRow is one micro-zone's full calibration state: Values holds the
// SnapshotColumns block for every segment, flattened in segment order.
type SnapshotRow struct {
	Alt    int
	Micro  int
	Values []float64
}

// SnapshotHeader returns the column names of a snapshot for the calibrator's
// segments.
func (c *Calibrator) SnapshotHeader() []string {
	header := []string{"alt", "mgra"}
	for _, name := range c.segments.Names() {
		for _, col := range SnapshotColumns {
			header = append(header, name+"_"+col)
		}
	}
	return header
}

// SnapshotRows returns the calibrator state as one row per micro-zone. It
// does not change state; call MarkSaved once the rows are stored.
func (c *Calibrator) SnapshotRows() []SnapshotRow {
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)

	final := c.buffers[c.current]
	rows := make([]SnapshotRow, c.maxMicro)
	for micro := 1; micro <= c.maxMicro; micro++ {
		values := make([]float64, 0, c.segments.Len()*len(SnapshotColumns))
		for s := 0; s < c.segments.Len(); s++ {
			values = append(values,
				c.origins[s][micro],
				c.size[s][micro],
				c.size[s][micro]*c.factor[s][micro],
				c.scaled[s][micro],
				c.previous[s][micro],
				c.modeled[s][micro],
				final[s][micro],
				c.price[s][micro],
			)
		}
		rows[micro-1] = SnapshotRow{Alt: micro, Micro: micro, Values: values}
	}
	return rows
}

// MarkSaved records the current calibrated size as the previous-round size.
func (c *Calibrator) MarkSaved() {
	c.barrier.Lock()
	defer c.barrier.Unlock()
	final := c.buffers[c.current]
	for s := range c.previous {
		copy(c.previous[s], final[s])
	}
}

// WriteSnapshot writes the calibrator state as CSV and marks it saved.
func (c *Calibrator) WriteSnapshot(w io.Writer) error {
	if err := WriteSnapshotRows(w, c.SnapshotHeader(), c.SnapshotRows()); err != nil {
		return err
	}
	c.MarkSaved()
	return nil
}

// SaveSnapshot writes the calibrator state to path, creating parent
// directories as needed, and marks it saved.
func (c *Calibrator) SaveSnapshot(path string) error {
	if err := SaveSnapshotRows(path, c.SnapshotHeader(), c.SnapshotRows()); err != nil {
		return err
	}
	c.MarkSaved()
	return nil
}

// WriteSnapshotRows writes header and rows as CSV.
func WriteSnapshotRows(w io.Writer, header []string, rows []SnapshotRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("%w: writing header: %w", ErrSnapshot, err)
	}
	record := make([]string, 0, len(header))
	for _, row := range rows {
		record = append(record[:0], strconv.Itoa(row.Alt), strconv.Itoa(row.Micro))
		for _, v := range row.Values {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("%w: writing zone %d: %w", ErrSnapshot, row.Micro, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	return nil
}

// SaveSnapshotRows writes header and rows to path, creating parent
// directories as needed. The file is written under a temporary name and
// renamed into place, so path never holds a partial snapshot.
func SaveSnapshotRows(path string, header []string, rows []SnapshotRow) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op once renamed

	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	if err := WriteSnapshotRows(f, header, rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %w", ErrSnapshot, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrSnapshot, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	return nil
}

// ReadSnapshot restores scaled size, calibrated size, previous-round size
// and shadow prices from a CSV snapshot. The calibrator must be balanced.
func (c *Calibrator) ReadSnapshot(r io.Reader) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrSnapshot, err)
	}
	if err := c.checkHeader(header); err != nil {
		return err
	}

	var rows []SnapshotRow
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrSnapshot, line, err)
		}
		row, err := parseSnapshotRecord(record)
		if err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrSnapshot, line, err)
		}
		rows = append(rows, row)
	}
	return c.RestoreRows(rows)
}

func (c *Calibrator) checkHeader(header []string) error {
	want := c.SnapshotHeader()
	if len(header) != len(want) {
		return fmt.Errorf("%w: %d columns, want %d for %d segments", ErrSnapshot, len(header), len(want), c.segments.Len())
	}
	for i := snapshotIndexColumns; i < len(want); i++ {
		if strings.TrimSpace(header[i]) != want[i] {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSnapshot, i+1, header[i], want[i])
		}
	}
	return nil
}

func parseSnapshotRecord(record []string) (SnapshotRow, error) {
	if len(record) < snapshotIndexColumns {
		return SnapshotRow{}, errors.New("short record")
	}
	alt, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("alt: %w", err)
	}
	micro, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("mgra: %w", err)
	}
	values := make([]float64, len(record)-snapshotIndexColumns)
	for i, field := range record[snapshotIndexColumns:] {
		if values[i], err = strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
			return SnapshotRow{}, fmt.Errorf("column %d: %w", i+snapshotIndexColumns+1, err)
		}
	}
	return SnapshotRow{Alt: int(alt), Micro: int(micro), Values: values}, nil
}

// RestoreRows restores calibration state from snapshot rows, one per
// micro-zone in any order. Each segment's block starts at
// segment×len(SnapshotColumns) within Values.
func (c *Calibrator) RestoreRows(rows []SnapshotRow) error {
	if len(rows) != c.maxMicro {
		return fmt.Errorf("%w: %d zones, want %d", ErrSnapshot, len(rows), c.maxMicro)
	}
	width := c.segments.Len() * len(SnapshotColumns)
	seen := make([]bool, c.maxMicro+1)
	for _, row := range rows {
		if row.Micro < 1 || row.Micro > c.maxMicro {
			return fmt.Errorf("%w: zone %d outside 1..%d", ErrSnapshot, row.Micro, c.maxMicro)
		}
		if seen[row.Micro] {
			return fmt.Errorf("%w: zone %d listed twice", ErrSnapshot, row.Micro)
		}
		seen[row.Micro] = true
		if len(row.Values) != width {
			return fmt.Errorf("%w: zone %d has %d values, want %d", ErrSnapshot, row.Micro, len(row.Values), width)
		}
	}

	c.barrier.Lock()
	defer c.barrier.Unlock()
	if c.state == Unbalanced {
		return fmt.Errorf("%w: %w", ErrSnapshot, ErrNotBalanced)
	}

	final := c.buffers[c.current]
	for _, row := range rows {
		for s := 0; s < c.segments.Len(); s++ {
			block := row.Values[s*len(SnapshotColumns):]
			c.scaled[s][row.Micro] = block[colScaled]
			final[s][row.Micro] = block[colFinal]
			c.previous[s][row.Micro] = block[colFinal]
			c.price[s][row.Micro] = block[colPrice]
		}
	}
	c.generation++
	c.state = Calibrating
	return nil
}

// RestoreSnapshot restores calibration state from the CSV file at path.
func (c *Calibrator) RestoreSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	defer f.Close()
	if err := c.ReadSnapshot(f); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	return nil
}

// SnapshotPath names the snapshot for targetType and iteration:
// base "out/shadow.csv" becomes "out/shadow_work_3.csv".
func SnapshotPath(base, targetType string, iteration int) string {
	return fmt.Sprintf("%s_%s_%d.csv", strings.TrimSuffix(base, ".csv"), targetType, iteration)
}

var snapshotIterationRE = regexp.MustCompile(`_(\d+)\.csv$`)

// IterationFromSnapshotPath recovers the iteration number from a snapshot
// file name produced by SnapshotPath.
func IterationFromSnapshotPath(path string) (int, error) {
	m := snapshotIterationRE.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("%w: cannot find iteration in %q", ErrSnapshot, path)
	}
	return strconv.Atoi(m[1])
}
