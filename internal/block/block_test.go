package block

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"
	"time"
)

// number_of_blocks must use real division: a piece whose size is not an
// exact multiple of BLOCK_SIZE still needs ceil(size/BLOCK_SIZE) blocks, the
// last one shorter than blockSize.
func TestNewBlockCountIsCeilDivision(t *testing.T) {
	size := blockSize*3 + 100
	p := New(0, size, [sha1.Size]byte{}, nil)

	if len(p.Blocks) != 4 {
		t.Fatalf("len(Blocks) = %d, want 4", len(p.Blocks))
	}
	last := p.Blocks[3]
	if last.Offset != blockSize*3 || last.Length != 100 {
		t.Fatalf("last block = %+v", last)
	}
}

func TestNewBlockCountExactMultiple(t *testing.T) {
	p := New(0, blockSize*2, [sha1.Size]byte{}, nil)
	if len(p.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(p.Blocks))
	}
}

func TestGetEmptyBlockMarksPending(t *testing.T) {
	p := New(0, blockSize*2, [sha1.Size]byte{}, nil)

	b := p.GetEmptyBlock()
	if b == nil || b.State != Pending {
		t.Fatalf("GetEmptyBlock = %+v", b)
	}

	b2 := p.GetEmptyBlock()
	if b2 == nil || b2.Offset == b.Offset {
		t.Fatalf("second GetEmptyBlock should return the other block, got %+v", b2)
	}

	if p.GetEmptyBlock() != nil {
		t.Fatal("third GetEmptyBlock should be nil, all blocks pending")
	}
}

func TestUpdateBlockStatusExpiresLease(t *testing.T) {
	p := New(0, blockSize, [sha1.Size]byte{}, nil)

	b := p.GetEmptyBlock()
	b.LeasedAt = time.Now().Add(-10 * time.Second)

	p.UpdateBlockStatus(5 * time.Second)

	if b.State != Free {
		t.Fatalf("state = %v, want Free after lease expiry", b.State)
	}
}

func TestSetBlockVerifiesHashAndCompletes(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, blockSize+10)
	hash := sha1.Sum(data)

	p := New(0, len(data), hash, nil)

	b0 := p.GetEmptyBlock()
	completed, err := p.SetBlock(b0.Offset, data[b0.Offset:b0.Offset+b0.Length])
	if err != nil || completed {
		t.Fatalf("first SetBlock: completed=%v err=%v", completed, err)
	}

	b1 := p.GetEmptyBlock()
	completed, err = p.SetBlock(b1.Offset, data[b1.Offset:b1.Offset+b1.Length])
	if err != nil {
		t.Fatalf("second SetBlock: %v", err)
	}
	if !completed || !p.IsFull() {
		t.Fatal("piece should be complete and verified")
	}
	if !bytes.Equal(p.RawData(), data) {
		t.Fatal("assembled data mismatch")
	}
}

// A second Piece message for an already-FULL block must be a no-op.
func TestSetBlockDuplicateIsNoOp(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, blockSize+10)
	hash := sha1.Sum(data)

	p := New(0, len(data), hash, nil)
	if _, err := p.SetBlock(0, data[:blockSize]); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	garbage := bytes.Repeat([]byte{0xFF}, blockSize)
	completed, err := p.SetBlock(0, garbage)
	if completed || err != nil {
		t.Fatalf("duplicate SetBlock: completed=%v err=%v", completed, err)
	}
	if !bytes.Equal(p.raw[:blockSize], data[:blockSize]) {
		t.Fatal("duplicate SetBlock must not overwrite stored data")
	}

	completed, err = p.SetBlock(blockSize, data[blockSize:])
	if err != nil || !completed {
		t.Fatalf("final SetBlock: completed=%v err=%v", completed, err)
	}

	// Late delivery after the piece verified is dropped too.
	completed, err = p.SetBlock(blockSize, garbage[:10])
	if completed || err != nil {
		t.Fatalf("post-verify SetBlock: completed=%v err=%v", completed, err)
	}
	if !p.IsFull() || !bytes.Equal(p.RawData(), data) {
		t.Fatal("verified piece must be immutable")
	}
}

func TestSetBlockResetsOnHashMismatch(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, blockSize)
	wrongHash := sha1.Sum(bytes.Repeat([]byte{0x02}, blockSize))

	p := New(0, len(data), wrongHash, nil)
	b := p.GetEmptyBlock()

	completed, err := p.SetBlock(b.Offset, data)
	if completed || !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("completed=%v err=%v, want ErrHashMismatch", completed, err)
	}
	if b.State != Free {
		t.Fatalf("block state = %v, want Free after reset", b.State)
	}
	if p.IsFull() {
		t.Fatal("piece should not be marked full after hash mismatch")
	}
}

// get_block must slice raw_data[offset:offset+length], not some other range.
func TestGetBlockDataSlicesExactRange(t *testing.T) {
	data := []byte("0123456789abcdef")
	p := New(0, len(data), sha1.Sum(data), nil)
	copy(p.raw, data)

	got := p.GetBlockData(4, 6)
	if string(got) != "456789" {
		t.Fatalf("GetBlockData(4,6) = %q, want %q", got, "456789")
	}
}

func TestGetBlockDataOutOfRange(t *testing.T) {
	p := New(0, 16, [sha1.Size]byte{}, nil)
	if p.GetBlockData(10, 100) != nil {
		t.Fatal("expected nil for out-of-range request")
	}
}

type fakeWriter struct {
	writes map[string][]byte
}

func (w *fakeWriter) WriteAt(path string, offset int64, data []byte) error {
	if w.writes == nil {
		w.writes = make(map[string][]byte)
	}
	buf := w.writes[path]
	end := int(offset) + len(data)
	if len(buf) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	w.writes[path] = buf
	return nil
}

func TestWritePieceSpansMultipleFiles(t *testing.T) {
	data := []byte("abcdefghij")
	p := New(0, len(data), sha1.Sum(data), []FileSlice{
		{Path: "a", FileOffset: 0, PieceOffset: 0, Length: 4},
		{Path: "b", FileOffset: 100, PieceOffset: 4, Length: 6},
	})
	copy(p.raw, data)

	w := &fakeWriter{}
	if err := p.WritePiece(w); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	if string(w.writes["a"]) != "abcd" {
		t.Fatalf("file a = %q", w.writes["a"])
	}
	if got := w.writes["b"][100:]; string(got) != "efghij" {
		t.Fatalf("file b tail = %q", got)
	}
}
