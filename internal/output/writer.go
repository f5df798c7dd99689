package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/gustycube/sslinspect/internal/result"
)

// Format represents the output format
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatTable Format = "table"
)

var columns = []string{
	"key", "host", "port", "status", "subject_cn", "issuer_cn",
	"valid_from", "valid_to", "dns_names", "error_number", "error",
}

// Writer handles formatted output
type Writer struct {
	format    Format
	w         io.Writer
	csvWriter *csv.Writer
	rows      [][]string
	mu        sync.Mutex
	hasHeader bool
}

// NewWriter creates a new output writer
func NewWriter(format string, w io.Writer) (*Writer, error) {
	var f Format
	switch strings.ToLower(format) {
	case "", "json":
		f = FormatJSON
	case "jsonl", "ndjson":
		f = FormatJSONL
	case "csv":
		f = FormatCSV
	case "table", "markdown":
		f = FormatTable
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	writer := &Writer{format: f, w: w}
	if f == FormatCSV {
		writer.csvWriter = csv.NewWriter(w)
	}
	return writer, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(format string) (*Writer, error) {
	return NewWriter(format, os.Stdout)
}

func (w *Writer) Format() Format { return w.format }

// Write writes one result. Table output is buffered until Flush.
func (w *Writer) Write(res result.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.format {
	case FormatJSON:
		encoder := json.NewEncoder(w.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(res)

	case FormatJSONL:
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.w.Write(data)
		return err

	case FormatCSV:
		if !w.hasHeader {
			if err := w.csvWriter.Write(columns); err != nil {
				return err
			}
			w.hasHeader = true
		}
		if err := w.csvWriter.Write(Row(res)); err != nil {
			return err
		}
		return w.csvWriter.Error()

	case FormatTable:
		w.rows = append(w.rows, Row(res))
		return nil

	default:
		return fmt.Errorf("unsupported format: %s", w.format)
	}
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.csvWriter != nil:
		w.csvWriter.Flush()
		return w.csvWriter.Error()
	case w.format == FormatTable && len(w.rows) > 0:
		table := tablewriter.NewTable(w.w,
			tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{Streaming: true})),
		)
		table.Header(columns)
		table.Bulk(w.rows)
		table.Render()
		w.rows = nil
	}
	return nil
}

// Row flattens a result into the CSV/table columns.
func Row(res result.Result) []string {
	row := make([]string, len(columns))
	row[0] = res.Key()
	row[3] = strconv.FormatBool(res.Status())
	if r := res.Record; r != nil {
		row[1] = r.Host
		row[2] = strconv.Itoa(r.Port)
		if r.Cert != nil {
			row[4] = r.Cert.SubjectCN
			row[5] = r.Cert.IssuerCN
		}
		row[6] = r.ValidFromDate
		row[7] = r.ValidToDate
		row[8] = strings.Join(r.SubjectAltName.Values("dns"), " ")
	}
	if f := res.Failure; f != nil {
		row[9] = strconv.Itoa(f.ErrorNumber)
		row[10] = f.ErrorString
	}
	return row
}
