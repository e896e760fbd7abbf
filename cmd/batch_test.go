package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CosmoTheDev/cratetracker/models"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLBatch(t *testing.T) {
	path := writeTemp(t, "cves.yaml", `
cves:
  - cve: CVE-2025-4366
    package: pingora-core
    range: "<0.5.0"
    targets:
      - "pingora_core::protocols::http::v1::body::BodyReader::read_body"
  - cve: RUSTSEC-2024-0003
    package: h2
    range: ">=0.3.0, <0.3.24"
    targets:
      - "h2::client::SendRequest::send_request"
      - "h2::server::Connection::accept"
`)

	specs, err := loadBatchFile(path)
	if err != nil {
		t.Fatalf("loadBatchFile: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %+v", specs)
	}
	if specs[0].ID != "CVE-2025-4366" || specs[0].Package != "pingora-core" || specs[0].AffectedRange != "<0.5.0" {
		t.Fatalf("first spec wrong: %+v", specs[0])
	}
	if len(specs[1].TargetFunctions) != 2 {
		t.Fatalf("second spec should keep both targets: %+v", specs[1])
	}
}

func TestLoadYAMLBatchRejectsIncompleteEntry(t *testing.T) {
	path := writeTemp(t, "cves.yaml", `
cves:
  - cve: CVE-2025-4366
    package: pingora-core
`)
	if _, err := loadBatchFile(path); err == nil {
		t.Fatal("entry without a range must be rejected")
	}
}

func TestLoadCSVBatch(t *testing.T) {
	path := writeTemp(t, "cves.csv",
		"cve,package,range,targets\n"+
			"CVE-2025-4366,pingora-core,<0.5.0,pingora_core::body::read_body;pingora_core::body::read_chunk\n")

	specs, err := loadBatchFile(path)
	if err != nil {
		t.Fatalf("loadBatchFile: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec (header skipped), got %+v", specs)
	}
	if len(specs[0].TargetFunctions) != 2 {
		t.Fatalf("semicolon-separated targets wrong: %+v", specs[0].TargetFunctions)
	}
}

func TestOverlappingEntriesFlagsSharedRanges(t *testing.T) {
	specs := []models.CVESpec{
		{ID: "CVE-1", Package: "foo", AffectedRange: "<1.5.0"},
		{ID: "CVE-2", Package: "foo", AffectedRange: ">=1.0.0, <2.0.0"},
		{ID: "CVE-3", Package: "foo", AffectedRange: ">=3.0.0"},
		{ID: "CVE-4", Package: "bar", AffectedRange: "<1.5.0"},
	}

	pairs := overlappingEntries(specs)
	if len(pairs) != 1 {
		t.Fatalf("expected exactly the CVE-1/CVE-2 overlap, got %+v", pairs)
	}
	if pairs[0] != [2]string{"CVE-1", "CVE-2"} {
		t.Fatalf("wrong pair: %+v", pairs[0])
	}
}

func TestLoadBatchRejectsUnknownExtension(t *testing.T) {
	path := writeTemp(t, "cves.txt", "whatever")
	if _, err := loadBatchFile(path); err == nil {
		t.Fatal("unknown batch file types must be rejected")
	}
}
