package ingestion

import "testing"

func TestInferFileType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{path: "notes.txt", want: "text"},
		{path: "docs/README.md", want: "markdown"},
		{path: "docs/guide.MARKDOWN", want: "markdown"},
		{path: "site/index.html", want: "html"},
		{path: "site/legacy.HTM", want: "html"},
		{path: "data/rows.csv", want: "csv"},
		{path: "data/items.json", want: "json"},
		{path: "feed.xml", want: "xml"},
		{path: "config.yaml", want: "yaml"},
		{path: "Makefile", want: "text"},
		{path: "trailing.", want: "text"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := InferFileType(tt.path); got != tt.want {
				t.Errorf("InferFileType(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestChunkMetadata(t *testing.T) {
	t.Parallel()

	doc := SourceDocument{
		Source:   "data/rows.csv",
		FileType: "csv",
		Metadata: map[string]string{"row": "3", MetaSource: "overridden"},
	}
	got := chunkMetadata(doc, 7)

	want := map[string]string{
		"row":          "3",
		MetaSource:     "data/rows.csv",
		MetaFileType:   "csv",
		MetaChunkIndex: "7",
	}
	if len(got) != len(want) {
		t.Fatalf("metadata = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, got[k], v)
		}
	}

	got["row"] = "mutated"
	if doc.Metadata["row"] != "3" {
		t.Error("chunkMetadata must not alias the source document metadata")
	}
}
