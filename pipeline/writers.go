package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

var csvHeader = []string{
	"platform", "product_id", "brand", "full_name", "model_id", "launch_year",
	"panel_type", "resolution", "operating_system", "screen_inches",
	"selling_price", "original_price", "discount_percent",
	"rating_value", "rating_count", "review_count", "assured", "in_stock",
	"image_url", "product_url", "partition", "scraped_at", "gaps",
}

// exportFile is the file handle behind an export writer. empty is the size
// of a file holding no records.
type exportFile struct {
	path  string
	file  *os.File
	empty int64
}

func createExport(filename, kind string) (*exportFile, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create %s export %s: %w", kind, filename, err)
	}
	return &exportFile{path: filename, file: f}, nil
}

func (e *exportFile) validate() error {
	info, err := e.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", e.path, err)
	}
	if info.Size() <= e.empty {
		return fmt.Errorf("%s holds no records", e.path)
	}
	return nil
}

// CSVWriter exports records as CSV with one header row.
type CSVWriter struct {
	mu     sync.Mutex
	out    *exportFile
	writer *csv.Writer
}

// NewCSVWriter creates filename and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	out, err := createExport(filename, "csv")
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(out.file)
	writer.Write(csvHeader)
	writer.Flush()
	if err := writer.Error(); err != nil {
		out.file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if info, err := out.file.Stat(); err == nil {
		out.empty = info.Size()
	}
	return &CSVWriter{out: out, writer: writer}, nil
}

// Write appends products. Unknown numbers are empty cells.
func (cw *CSVWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, p := range products {
		if err := cw.writer.Write(csvRecord(p)); err != nil {
			return fmt.Errorf("write csv record %s/%s: %w", p.Platform, p.ProductID, err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.out.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.out.file.Close()
}

// Validate reports a file that holds only the header.
func (cw *CSVWriter) Validate() error {
	return cw.out.validate()
}

func csvRecord(p *models.Product) []string {
	return []string{
		p.Platform,
		p.ProductID,
		p.Brand,
		p.FullName,
		p.ModelID,
		intCell(p.LaunchYear),
		p.PanelType,
		p.Resolution,
		p.OperatingSystem,
		floatCell(p.ScreenInches),
		intCell(p.SellingPrice),
		intCell(p.OriginalPrice),
		strconv.Itoa(p.DiscountPercent),
		floatCell(p.RatingValue),
		strconv.Itoa(p.RatingCount),
		strconv.Itoa(p.ReviewCount),
		strconv.FormatBool(p.Assured),
		strconv.FormatBool(p.InStock),
		p.ImageURL,
		p.ProductURL,
		p.Partition,
		p.ScrapedAt.UTC().Format(time.RFC3339),
		strings.Join(p.Gaps, "|"),
	}
}

// JSONWriter exports newline-delimited JSON records.
type JSONWriter struct {
	mu      sync.Mutex
	out     *exportFile
	buf     *bufio.Writer
	encoder *json.Encoder
}

// NewJSONWriter creates filename.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	out, err := createExport(filename, "json")
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(out.file)
	return &JSONWriter{out: out, buf: buf, encoder: json.NewEncoder(buf)}, nil
}

// Write appends one line per product.
func (jw *JSONWriter) Write(products []*models.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, p := range products {
		if err := jw.encoder.Encode(p); err != nil {
			return fmt.Errorf("encode json record %s/%s: %w", p.Platform, p.ProductID, err)
		}
	}
	if err := jw.buf.Flush(); err != nil {
		return fmt.Errorf("flush json records: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.buf.Flush(); err != nil {
		jw.out.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.out.file.Close()
}

// Validate reports an empty file.
func (jw *JSONWriter) Validate() error {
	return jw.out.validate()
}

func intCell(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func floatCell(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
