package ingestion

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Metadata keys attached to every ingested chunk.
const (
	MetaSource     = "source"
	MetaFileType   = "file_type"
	MetaChunkIndex = "chunk_index"
)

// fileTypeAliases maps a lower-cased file extension to the loader family that
// handles it. Extensions not listed here are read as plain text.
var fileTypeAliases = map[string]string{
	".txt":      "text",
	".text":     "text",
	".md":       "markdown",
	".markdown": "markdown",
	".html":     "html",
	".htm":      "html",
	".csv":      "csv",
	".json":     "json",
	".xml":      "xml",
}

// InferFileType returns the loader family for path based on its extension:
// one of text, markdown, html, csv, json or xml. Unknown extensions are
// reported as the bare extension (e.g. "yaml") and loaded as text; files
// without an extension are "text".
func InferFileType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ft, ok := fileTypeAliases[ext]; ok {
		return ft
	}
	if ext == "" || ext == "." {
		return "text"
	}
	return strings.TrimPrefix(ext, ".")
}

// chunkMetadata builds the metadata stored with one chunk. Loader-specific
// keys (csv row, json index) are carried over from the source document.
func chunkMetadata(doc SourceDocument, chunkIndex int) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+3)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[MetaSource] = doc.Source
	meta[MetaFileType] = doc.FileType
	meta[MetaChunkIndex] = strconv.Itoa(chunkIndex)
	return meta
}
