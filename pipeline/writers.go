package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// CSVHeader is the fixed column order of the CSV output.
var CSVHeader = []string{"sku", "brand", "name", "packaging", "imageUrl", "description"}

// Output formats accepted by OpenWriter.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

// OpenWriter creates the writer for format at path. For the dual format the
// JSON lines file sits next to path with a .jsonl extension.
func OpenWriter(format, path string, createDir bool) (OutputWriter, error) {
	switch format {
	case FormatCSV, "":
		return NewCSVWriter(path, createDir)
	case FormatJSON:
		return NewJSONWriter(path, createDir)
	case FormatDual:
		return NewDualWriter(path, JSONPath(path), createDir)
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// JSONPath swaps the extension of path for .jsonl.
func JSONPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".jsonl"
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	path    string
	file    *os.File
	writer  *csv.Writer
	mu      sync.Mutex
	written int
}

// NewCSVWriter creates (or truncates) filename and writes the header row.
func NewCSVWriter(filename string, createDir bool) (*CSVWriter, error) {
	f, err := create(filename, createDir)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(CSVHeader); err != nil {
		f.Close()
		return nil, &IOError{Path: filename, Op: "write", Err: err}
	}

	return &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends products to the CSV output.
func (cw *CSVWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, p := range products {
		record := []string{
			p.SKU,
			p.Brand,
			p.Name,
			p.Packaging,
			p.ImageURL,
			p.Description,
		}
		if err := cw.writer.Write(record); err != nil {
			return &IOError{Path: cw.path, Op: "write", Err: err}
		}
		cw.written++
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return &IOError{Path: cw.path, Op: "write", Err: err}
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return &IOError{Path: cw.path, Op: "flush", Err: err}
	}
	if err := cw.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &IOError{Path: cw.path, Op: "close", Err: err}
	}
	return nil
}

// Validate re-reads the file and checks that every written row is present.
func (cw *CSVWriter) Validate() error {
	products, err := ReadCSV(cw.path)
	if err != nil {
		return &IOError{Path: cw.path, Op: "validate", Err: err}
	}
	if len(products) != cw.written {
		return &IOError{Path: cw.path, Op: "validate", Err: fmt.Errorf("rows=%d, want %d", len(products), cw.written)}
	}
	return nil
}

// ReadCSV loads products from a file written by CSVWriter.
func ReadCSV(path string) ([]*models.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(CSVHeader)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(CSVHeader, ",") {
		return nil, fmt.Errorf("unexpected csv header %v", header)
	}

	var out []*models.Product
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		out = append(out, &models.Product{
			SKU:         row[0],
			Brand:       row[1],
			Name:        row[2],
			Packaging:   row[3],
			ImageURL:    row[4],
			Description: row[5],
		})
	}
	return out, nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
	written int
}

// NewJSONWriter creates (or truncates) filename for JSON lines output.
func NewJSONWriter(filename string, createDir bool) (*JSONWriter, error) {
	f, err := create(filename, createDir)
	if err != nil {
		return nil, err
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends products in JSONL format.
func (jw *JSONWriter) Write(products []*models.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, p := range products {
		if err := jw.encoder.Encode(p); err != nil {
			return &IOError{Path: jw.path, Op: "write", Err: err}
		}
		jw.written++
	}

	if err := jw.writer.Flush(); err != nil {
		return &IOError{Path: jw.path, Op: "flush", Err: err}
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return &IOError{Path: jw.path, Op: "flush", Err: err}
	}
	if err := jw.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &IOError{Path: jw.path, Op: "close", Err: err}
	}
	return nil
}

// Validate checks that the file holds one line per written record.
func (jw *JSONWriter) Validate() error {
	data, err := os.ReadFile(jw.path)
	if err != nil {
		return &IOError{Path: jw.path, Op: "validate", Err: err}
	}
	if lines := bytes.Count(data, []byte("\n")); lines != jw.written {
		return &IOError{Path: jw.path, Op: "validate", Err: fmt.Errorf("lines=%d, want %d", lines, jw.written)}
	}
	return nil
}

func create(filename string, createDir bool) (*os.File, error) {
	if createDir {
		if err := ensureDir(filename); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, &IOError{Path: filename, Op: "create", Err: err}
	}
	return f, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Path: dir, Op: "mkdir", Err: err}
	}
	return nil
}
