package httpapi

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestAuditLogRing(t *testing.T) {
	log := newAuditLog(3, nil)
	for i := 0; i < 5; i++ {
		log.add(auditEntry{Path: "/tasks/" + strconv.Itoa(i), Time: time.Now()})
	}

	all := log.list()
	if len(all) != 3 {
		t.Fatalf("entries = %d, want ring of 3", len(all))
	}
	if all[0].Path != "/tasks/2" || all[2].Path != "/tasks/4" {
		t.Fatalf("ring = %#v", all)
	}
}

func TestAuditLogListLimit(t *testing.T) {
	log := newAuditLog(10, nil)
	for i := 0; i < 4; i++ {
		log.add(auditEntry{Path: "/p" + strconv.Itoa(i)})
	}

	got := log.listLimit(2)
	if len(got) != 2 || got[0].Path != "/p2" || got[1].Path != "/p3" {
		t.Fatalf("limited = %#v", got)
	}
	// Zero and oversized limits fall back to the ring size.
	if got := log.listLimit(0); len(got) != 4 {
		t.Fatalf("limit 0 = %d entries", len(got))
	}
	if got := log.listLimit(100); len(got) != 4 {
		t.Fatalf("limit 100 = %d entries", len(got))
	}
}

func TestFileAuditSinkAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := newFileAuditSink(path)
	if err != nil {
		t.Fatalf("newFileAuditSink: %v", err)
	}

	log := newAuditLog(10, sink)
	log.add(auditEntry{Path: "/hire", Method: "POST", Status: 202})
	log.add(auditEntry{Path: "/healthz", Method: "GET", Status: 200})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []auditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry auditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d: %v", len(lines), err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	if lines[0].Path != "/hire" || lines[0].Status != 202 {
		t.Fatalf("first line = %#v", lines[0])
	}
}

func TestFileAuditSinkDisabledWhenUnconfigured(t *testing.T) {
	sink, err := newFileAuditSink("")
	if err != nil {
		t.Fatalf("newFileAuditSink: %v", err)
	}
	if sink != nil {
		t.Fatalf("sink = %#v, want nil for empty path", sink)
	}
	// Writes through a nil sink are no-ops.
	if err := sink.Write(auditEntry{Path: "/x"}); err != nil {
		t.Fatalf("nil sink write: %v", err)
	}
}
