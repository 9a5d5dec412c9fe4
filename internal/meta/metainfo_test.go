package meta

import (
	"testing"

	"github.com/anteii/leech/internal/bencode"
)

func buildTorrent(t *testing.T, info map[string]any) []byte {
	t.Helper()

	root := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	b, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestParseSingleFile(t *testing.T) {
	piece := make([]byte, 20)
	data := buildTorrent(t, map[string]any{
		"name":         "file.iso",
		"piece length": int64(16384),
		"pieces":       string(piece),
		"length":       int64(16384),
	})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Info.Name != "file.iso" {
		t.Fatalf("name = %q", m.Info.Name)
	}
	if m.Size() != 16384 {
		t.Fatalf("size = %d", m.Size())
	}
	if len(m.Info.Pieces) != 1 {
		t.Fatalf("pieces = %d", len(m.Info.Pieces))
	}
}

func TestParseMultiFile(t *testing.T) {
	piece := make([]byte, 40)
	data := buildTorrent(t, map[string]any{
		"name":         "bundle",
		"piece length": int64(16384),
		"pieces":       string(piece),
		"files": []any{
			map[string]any{"length": int64(100), "path": []any{"a.txt"}},
			map[string]any{"length": int64(200), "path": []any{"sub", "b.txt"}},
		},
	})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Size() != 300 {
		t.Fatalf("size = %d", m.Size())
	}
	if len(m.Info.Files) != 2 {
		t.Fatalf("files = %d", len(m.Info.Files))
	}
}

func TestParseRejectsBothLengthAndFiles(t *testing.T) {
	piece := make([]byte, 20)
	data := buildTorrent(t, map[string]any{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(piece),
		"length":       int64(1),
		"files":        []any{map[string]any{"length": int64(1), "path": []any{"a"}}},
	})

	if _, err := Parse(data); err == nil {
		t.Fatal("expected layout error")
	}
}

func TestParseRejectsBadPieceLength(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"name":         "x",
		"piece length": int64(0),
		"pieces":       string(make([]byte, 20)),
		"length":       int64(1),
	})

	if _, err := Parse(data); err == nil {
		t.Fatal("expected piece length error")
	}
}

func TestParseRejectsPiecesNotMultipleOf20(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 19)),
		"length":       int64(1),
	})

	if _, err := Parse(data); err == nil {
		t.Fatal("expected pieces length error")
	}
}

func TestInfoHashStableAcrossKeyOrder(t *testing.T) {
	piece := make([]byte, 20)
	a := buildTorrent(t, map[string]any{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(piece),
		"length":       int64(1),
	})

	// The same info dict with its keys written in a non-sorted order.
	b := []byte("d8:announce31:http://tracker.example/announce4:infod" +
		"4:name1:x6:pieces20:" + string(piece) +
		"12:piece lengthi16384e6:lengthi1eee")

	ma, err := Parse(a)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mb, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ma.InfoHash != mb.InfoHash {
		t.Fatal("info hash not deterministic")
	}
}
