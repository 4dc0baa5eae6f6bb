package audit_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bmkg-alert/alertd/internal/audit"
)

func logPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "activity.log")
}

// alertDetails builds the details payload the daemon records for a stored
// alert.
func alertDetails(t *testing.T, alertID int64, code string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"alert_id":        alertID,
		"bmkg_alert_code": code,
		"severity":        "Severe",
		"location_id":     "loc-1",
		"match_type":      "kecamatan",
		"matched_text":    "Alian",
	})
	if err != nil {
		t.Fatalf("marshal details: %v", err)
	}
	return raw
}

func TestAppendAndVerify(t *testing.T) {
	path := logPath(t)

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := l.Append(audit.EventAlertStored, "Alert stored for Alian", alertDetails(t, 1, "CBT1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := l.Append(audit.EventTrialRegistered, "Trial registered for chat 1001: Alian, Kebumen", nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", first.Seq, second.Seq)
	}
	if first.PrevHash != audit.GenesisHash {
		t.Errorf("first PrevHash = %q, want genesis", first.PrevHash)
	}
	if second.PrevHash != first.EventHash {
		t.Errorf("second PrevHash = %q, want first EventHash %q", second.PrevHash, first.EventHash)
	}

	records, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].EventType != audit.EventAlertStored {
		t.Errorf("records[0].EventType = %q, want alert_stored", records[0].EventType)
	}
	if records[1].Message != "Trial registered for chat 1001: Alian, Kebumen" {
		t.Errorf("records[1].Message = %q", records[1].Message)
	}

	var details struct {
		BMKGAlertCode string `json:"bmkg_alert_code"`
		MatchedText   string `json:"matched_text"`
	}
	if err := json.Unmarshal(records[0].Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.BMKGAlertCode != "CBT1" || details.MatchedText != "Alian" {
		t.Errorf("details = %+v, want CBT1/Alian", details)
	}
}

func TestAppendRejectsEmptyEventType(t *testing.T) {
	l, err := audit.Open(logPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if _, err := l.Append("", "no type", nil); err == nil {
		t.Fatal("Append accepted an empty event type")
	}
}

func TestOpenRestoresChainAcrossRestart(t *testing.T) {
	path := logPath(t)

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(audit.EventEngineStarted, "Alert engine started", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	last, err := l.Append(audit.EventAlertStored, "Alert stored for Sruweng", alertDetails(t, 7, "CBT9"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the chain must continue from the persisted tail, not restart.
	l, err = audit.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	next, err := l.Append(audit.EventEngineStopped, "Alert engine stopped", nil)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if next.Seq != last.Seq+1 {
		t.Errorf("next.Seq = %d, want %d", next.Seq, last.Seq+1)
	}
	if next.PrevHash != last.EventHash {
		t.Errorf("next.PrevHash = %q, want %q", next.PrevHash, last.EventHash)
	}

	records, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3", len(records))
	}
}

func TestVerifyDetectsTamperedMessage(t *testing.T) {
	path := logPath(t)

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(audit.EventTrialCancelled, "Trial cancelled for chat 1001", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Rewrite history: change the recorded chat ID without re-hashing.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := strings.Replace(string(raw), "chat 1001", "chat 6666", 1)
	if tampered == string(raw) {
		t.Fatal("test setup: substitution did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("Verify accepted a tampered record")
	}
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	path := logPath(t)

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 3; i++ {
		code := fmt.Sprintf("CBT%d", i)
		if _, err := l.Append(audit.EventAlertStored, "Alert stored", alertDetails(t, int64(i), code)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Drop the middle record: the neighbours' prev_hash linkage must break.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	pruned := lines[0] + "\n" + lines[2] + "\n"
	if err := os.WriteFile(path, []byte(pruned), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := audit.Verify(path); err == nil {
		t.Fatal("Verify accepted a chain with a deleted record")
	}

	// Open must also refuse to append onto a broken chain.
	if _, err := audit.Open(path); err == nil {
		t.Fatal("Open accepted a chain with a deleted record")
	}
}

func TestVerifyEmptyFile(t *testing.T) {
	path := logPath(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	records, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestGenesisHashShape(t *testing.T) {
	// The genesis prev_hash must be a valid all-zero SHA-256 hex digest.
	decoded, err := hex.DecodeString(audit.GenesisHash)
	if err != nil {
		t.Fatalf("GenesisHash is not hex: %v", err)
	}
	if len(decoded) != sha256.Size {
		t.Errorf("GenesisHash length = %d bytes, want %d", len(decoded), sha256.Size)
	}
	for _, b := range decoded {
		if b != 0 {
			t.Fatal("GenesisHash is not all zeroes")
		}
	}
}

func TestCountByType(t *testing.T) {
	path := logPath(t)

	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := []string{
		audit.EventAlertStored,
		audit.EventAlertStored,
		audit.EventTrialRegistered,
		audit.EventTrialsExpired,
	}
	for _, evt := range events {
		if _, err := l.Append(evt, "", nil); err != nil {
			t.Fatalf("Append %s: %v", evt, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	counts := audit.CountByType(records)
	if counts[audit.EventAlertStored] != 2 {
		t.Errorf("alert_stored count = %d, want 2", counts[audit.EventAlertStored])
	}
	if counts[audit.EventTrialRegistered] != 1 || counts[audit.EventTrialsExpired] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
