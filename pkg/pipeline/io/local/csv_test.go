package local_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/io/local"
)

func TestReadTable(t *testing.T) {
	t.Run("reads columns by name", func(t *testing.T) {
		in := "name,website,other\nBlue Door Bakery,https://bluedoor.example,x\nCorner Cafe,,y\n"
		tbl, err := local.ReadTable(strings.NewReader(in), "name", "website")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tbl.Rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(tbl.Rows))
		}
		if got := tbl.Get(tbl.Rows[0], "website"); got != "https://bluedoor.example" {
			t.Fatalf("website=%q", got)
		}
		if got := tbl.Get(tbl.Rows[1], "website"); got != "" {
			t.Fatalf("expected empty website, got %q", got)
		}
	})

	t.Run("header is case-insensitive and tolerates BOM", func(t *testing.T) {
		in := "\ufeffName, Website \nCorner Cafe,cafe.example\n"
		tbl, err := local.ReadTable(strings.NewReader(in), "name", "website")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := tbl.Get(tbl.Rows[0], "NAME"); got != "Corner Cafe" {
			t.Fatalf("name=%q", got)
		}
	})

	t.Run("short rows and unknown columns read as empty", func(t *testing.T) {
		in := "name,website\nCorner Cafe\n"
		tbl, err := local.ReadTable(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := tbl.Get(tbl.Rows[0], "website"); got != "" {
			t.Fatalf("website=%q", got)
		}
		if got := tbl.Get(tbl.Rows[0], "phone"); got != "" {
			t.Fatalf("phone=%q", got)
		}
	})

	t.Run("missing required column errors", func(t *testing.T) {
		_, err := local.ReadTable(strings.NewReader("title\nx\n"), "name")
		if err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestWriteTable_RejectsRaggedRows(t *testing.T) {
	var buf bytes.Buffer
	err := local.WriteTable(&buf, []string{"a", "b"}, [][]string{{"1"}})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.csv")
	header := []string{"name", "website"}

	a, err := local.OpenAppender(path, header)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Append([]string{"Blue Door Bakery", "https://bluedoor.example"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a, err = local.OpenAppender(path, header)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := a.Append([]string{"Corner Cafe", ""}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Append([]string{"too", "many", "cols"}); err == nil {
		t.Fatalf("expected column count error")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "name,website\nBlue Door Bakery,https://bluedoor.example\nCorner Cafe,\n"
	if string(b) != want {
		t.Fatalf("file contents:\n%s\nwant:\n%s", b, want)
	}

	if _, err := local.OpenAppender(path, []string{"name", "phone"}); err == nil {
		t.Fatalf("expected header mismatch error")
	}
}
