package capsule_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"capsule-go/internal/capsule"
	"capsule-go/internal/testutil"
	"capsule-go/internal/vault"
)

const hostedPDF = "https://prod-files-secure.s3.amazonaws.com/ws/report.pdf?X-Amz-Signature=aaa"

// mirrored runs one backup with an attachment and pushes it to a fresh vault.
func mirrored(t *testing.T) (*fixture, *vault.MemoryVault, *capsule.Mirror, *capsule.RunResult) {
	t.Helper()
	f := newFixture(t)
	f.api.AddPage(testutil.Page("p1", "Doc", t1), testutil.Paragraph("b0", "intro"), testutil.FileBlock("b1", hostedPDF, "report.pdf"))
	f.api.AddFile(hostedPDF, []byte("%PDF-1.7"))
	result := f.run(t, capsule.RunOptions{Attachments: true})

	v := testutil.NewTestVault()
	m := capsule.NewMirror(v, testutil.NewTestEncryptor(), f.fsys, "laptop", capsule.NewNopLogger())
	if _, err := m.Push(f.store(t), result.Changed); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	return f, v, m, result
}

func TestMirror_Push(t *testing.T) {
	t.Parallel()
	f, v, m, result := mirrored(t)

	if v.ContentCount() != 2 {
		t.Errorf("vault holds %d items, want page and attachment", v.ContentCount())
	}
	version, err := v.GetMetadataVersion("laptop", capsule.StoreMetadataName)
	if err != nil || version != result.Generation {
		t.Errorf("metadata version = %d, %v, want %d", version, err, result.Generation)
	}

	fp, _ := f.store(t).Get("p1")
	var sealed bytes.Buffer
	if err := v.GetContent(capsule.HashKey(fp.ContentHash), &sealed); err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), []byte(f.fsys.Content("pages/p1/index.md"))) {
		t.Error("vault holds plaintext, want sealed content")
	}

	t.Run("second push uploads nothing new", func(t *testing.T) {
		report, err := m.Push(f.store(t), result.Changed)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if report.Uploaded != 0 || report.Present != 2 {
			t.Errorf("report = %+v, want 0 uploaded, 2 present", report)
		}
	})
}

func TestMirror_PushRejectsFileChangedOnDisk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.api.AddPage(testutil.Page("p1", "Doc", t1), testutil.Paragraph("b0", "intro"))
	result := f.run(t, capsule.RunOptions{})
	f.fsys.Put("pages/p1/index.md", []byte("edited by hand"))

	m := capsule.NewMirror(testutil.NewTestVault(), nil, f.fsys, "laptop", capsule.NewNopLogger())
	if _, err := m.Push(f.store(t), result.Changed); err == nil || !strings.Contains(err.Error(), "changed on disk") {
		t.Errorf("Push() error = %v, want changed on disk", err)
	}
}

func TestMirror_CheckVersion(t *testing.T) {
	t.Parallel()
	_, _, m, result := mirrored(t)

	if err := m.CheckVersion(result.Generation); err != nil {
		t.Errorf("CheckVersion(current) error = %v", err)
	}
	if err := m.CheckVersion(result.Generation + 1); err != nil {
		t.Errorf("CheckVersion(ahead) error = %v", err)
	}
	if err := m.CheckVersion(result.Generation - 1); err == nil {
		t.Error("CheckVersion(behind) expected error")
	}
}

func TestMirror_Restore(t *testing.T) {
	t.Parallel()
	f, _, m, _ := mirrored(t)

	dc, err := testutil.NewTestEncryptor().Unlock("")
	if err != nil {
		t.Fatal(err)
	}
	target := testutil.NewMemoryFilesystem()
	restored, err := m.Restore(target, dc)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 3 || restored[len(restored)-1] != capsule.StorePath {
		t.Errorf("restored = %v, want page, attachment and store last", restored)
	}
	for _, rel := range []string{"pages/p1/index.md", "pages/p1/attachments/b1_report.pdf"} {
		if target.Content(rel) != f.fsys.Content(rel) {
			t.Errorf("%s differs after restore", rel)
		}
	}

	store, err := capsule.LoadStore(target)
	if err != nil || store.Len() != 1 {
		t.Errorf("restored store = %v fingerprints, %v", store.Len(), err)
	}
}

func TestMirror_RestoreFailures(t *testing.T) {
	t.Parallel()

	t.Run("corrupted content", func(t *testing.T) {
		f, v, m, _ := mirrored(t)
		fp, _ := f.store(t).Get("p1")
		var sealed bytes.Buffer
		testutil.NewTestEncryptor().Encrypt(strings.NewReader("tampered"), &sealed)
		v.Corrupt(capsule.HashKey(fp.ContentHash), sealed.Bytes())

		dc, _ := testutil.NewTestEncryptor().Unlock("")
		target := testutil.NewMemoryFilesystem()
		if _, err := m.Restore(target, dc); err == nil || !strings.Contains(err.Error(), "does not match") {
			t.Errorf("Restore() error = %v, want hash mismatch", err)
		}
		if target.Exists(capsule.StorePath) {
			t.Error("store written despite a failed restore")
		}
	})

	t.Run("nothing in vault", func(t *testing.T) {
		m := capsule.NewMirror(testutil.NewTestVault(), nil, testutil.NewMemoryFilesystem(), "laptop", capsule.NewNopLogger())
		if _, err := m.Restore(testutil.NewMemoryFilesystem(), nil); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("Restore() error = %v, want %v", err, vault.ErrNotFound)
		}
	})
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.api.AddPage(testutil.Page("p1", "Doc", t1))
	f.api.AddDatabase(testutil.Database("d1", "Tasks", t1), testutil.Row("r1", "d1", "Row", t1))
	result := f.run(t, capsule.RunOptions{})

	history := testutil.NewTestHistory(t)
	if err := history.RecordRun("backup", result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	st, err := capsule.GetStatus(f.fsys, history, "backup")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.Generation != result.Generation || st.Counts[capsule.KindPage] != 1 || st.Counts[capsule.KindRow] != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.LastRun == nil || st.LastRun.ID != result.RunID {
		t.Errorf("LastRun = %+v, want %s", st.LastRun, result.RunID)
	}
}
