package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/54b3r/ragent/internal/logging"
)

// maxFileBytes caps how much of a single file is read. Larger files are
// skipped rather than truncated.
const maxFileBytes = 32 << 20

// SourceDocument is one loaded unit of text before splitting. Most files
// produce a single document; CSV files produce one per row and JSON arrays
// one per element.
type SourceDocument struct {
	// Source is the file path the document was read from.
	Source string
	// FileType is the loader family, see InferFileType.
	FileType string
	// Content is the extracted plain text.
	Content string
	// Metadata holds loader-specific keys such as the CSV row.
	Metadata map[string]string
}

// LoadResult summarises a directory walk.
type LoadResult struct {
	Documents []SourceDocument
	// Files is the number of regular files visited.
	Files int
	// Skipped lists the files that could not be loaded.
	Skipped []string
}

// loaderFunc extracts documents from the raw bytes of one file.
type loaderFunc func(path string, data []byte) ([]SourceDocument, error)

var loaders = map[string]loaderFunc{
	"text":     loadText,
	"markdown": loadText,
	"html":     loadHTML,
	"csv":      loadCSV,
	"json":     loadJSON,
	"xml":      loadXML,
}

// LoadDirectory walks dir recursively and loads every regular file with the
// loader matching its extension. Files with other extensions are read as
// text. A file that cannot be read or parsed is logged at warn level and
// skipped; only a failure to walk dir itself is returned as an error.
// Hidden files and directories (leading dot) are ignored.
func LoadDirectory(ctx context.Context, dir string) (*LoadResult, error) {
	log := logging.FromContext(ctx)
	res := &LoadResult{}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ingestion: %s is not a directory", dir)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			log.Warn("ingestion: skipping unreadable path", slog.String("path", path), slog.String("error", walkErr.Error()))
			res.Skipped = append(res.Skipped, path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		res.Files++
		docs, err := LoadFile(path)
		if err != nil {
			log.Warn("ingestion: failed to load file", slog.String("path", path), slog.String("error", err.Error()))
			res.Skipped = append(res.Skipped, path)
			return nil
		}
		res.Documents = append(res.Documents, docs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion: walk %s: %w", dir, err)
	}
	return res, nil
}

// LoadFile reads one file and extracts its documents.
func LoadFile(path string) ([]SourceDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	}

	fileType := InferFileType(path)
	load, ok := loaders[fileType]
	if !ok {
		load = loadText
	}
	docs, err := load(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s loader: %w", fileType, err)
	}
	for i := range docs {
		docs[i].Source = path
		docs[i].FileType = fileType
	}
	return docs, nil
}

var errNotText = errors.New("content is not valid UTF-8 text")

func loadText(_ string, data []byte) ([]SourceDocument, error) {
	if !utf8.Valid(data) {
		return nil, errNotText
	}
	return []SourceDocument{{Content: string(data)}}, nil
}

// skippedHTMLElements hold no readable text.
var skippedHTMLElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// loadHTML extracts visible text, one line per text node.
func loadHTML(_ string, data []byte) ([]SourceDocument, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var lines []string
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return []SourceDocument{{Content: strings.Join(lines, "\n")}}, nil
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedHTMLElements[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedHTMLElements[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
				lines = append(lines, text)
			}
		}
	}
}

// loadCSV produces one document per data row, rendered as "header: value"
// lines. The row number (starting at 0) is kept in the "row" metadata key.
func loadCSV(_ string, data []byte) ([]SourceDocument, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}
	header := records[0]
	docs := make([]SourceDocument, 0, len(records)-1)
	for i, rec := range records[1:] {
		var b strings.Builder
		for j, v := range rec {
			col := strconv.Itoa(j)
			if j < len(header) {
				col = strings.TrimSpace(header[j])
			}
			if j > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(col)
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(v))
		}
		docs = append(docs, SourceDocument{
			Content:  b.String(),
			Metadata: map[string]string{"row": strconv.Itoa(i)},
		})
	}
	return docs, nil
}

// loadJSON produces one document per element of a top-level array, or per
// value of a top-level object in key order. Each element is stored as its
// compact JSON encoding; top-level strings are stored as-is.
func loadJSON(_ string, data []byte) ([]SourceDocument, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	var items []any
	switch v := root.(type) {
	case []any:
		items = v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, v[k])
		}
	default:
		items = []any{v}
	}

	docs := make([]SourceDocument, 0, len(items))
	for i, item := range items {
		var content string
		if s, ok := item.(string); ok {
			content = s
		} else {
			b, err := json.Marshal(item)
			if err != nil {
				return nil, err
			}
			content = string(b)
		}
		docs = append(docs, SourceDocument{
			Content:  content,
			Metadata: map[string]string{"seq_num": strconv.Itoa(i)},
		})
	}
	return docs, nil
}

// loadXML extracts character data, one line per non-blank text node.
func loadXML(_ string, data []byte) ([]SourceDocument, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	var lines []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if text := strings.Join(strings.Fields(string(cd)), " "); text != "" {
				lines = append(lines, text)
			}
		}
	}
	return []SourceDocument{{Content: strings.Join(lines, "\n")}}, nil
}
