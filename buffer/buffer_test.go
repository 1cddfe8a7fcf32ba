package buffer

import (
	"bytes"
	"testing"
)

func chainOf(parts ...[]byte) *Buffer {
	var b *Buffer
	for _, p := range parts {
		b = Append(b, New(p))
	}
	return b
}

func TestAppendAndLen(t *testing.T) {
	b := chainOf([]byte{1, 2}, []byte{3}, []byte{4, 5, 6})
	if b.Len() != 6 {
		t.Errorf("Len = %d, want 6", b.Len())
	}
	if !bytes.Equal(b.Bytes(), []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Bytes = %v", b.Bytes())
	}
	if Append(nil, nil) != nil {
		t.Error("Append(nil, nil) should be nil")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		parts [][]byte
		n     int
		head  []byte
		rest  []byte
	}{
		{"whole link", [][]byte{{1, 2}, {3, 4}}, 2, []byte{1, 2}, []byte{3, 4}},
		{"mid link", [][]byte{{1, 2, 3, 4}}, 3, []byte{1, 2, 3}, []byte{4}},
		{"across links", [][]byte{{1, 2}, {3, 4, 5}}, 3, []byte{1, 2, 3}, []byte{4, 5}},
		{"everything", [][]byte{{1}, {2}}, 5, []byte{1, 2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			head, rest := Split(chainOf(tt.parts...), tt.n)
			if !bytes.Equal(head.Bytes(), tt.head) {
				t.Errorf("head = %v, want %v", head.Bytes(), tt.head)
			}
			if !bytes.Equal(rest.Bytes(), tt.rest) {
				t.Errorf("rest = %v, want %v", rest.Bytes(), tt.rest)
			}
		})
	}
}

func TestConsume(t *testing.T) {
	b := chainOf([]byte{1, 2}, []byte{3, 4, 5})
	b = Consume(b, 3)
	if !bytes.Equal(b.Bytes(), []byte{4, 5}) {
		t.Errorf("after Consume(3): %v", b.Bytes())
	}
	if Consume(b, 10) != nil {
		t.Error("consuming past the end should leave an empty chain")
	}
}

func TestCopyData(t *testing.T) {
	b := chainOf([]byte{1, 2}, []byte{3, 4}, []byte{5})
	dst := make([]byte, 3)
	if n := b.CopyData(1, 3, dst); n != 3 {
		t.Fatalf("copied %d, want 3", n)
	}
	if !bytes.Equal(dst, []byte{2, 3, 4}) {
		t.Errorf("dst = %v", dst)
	}
	if n := b.CopyData(4, 3, dst); n != 1 {
		t.Errorf("short copy returned %d, want 1", n)
	}
}

func TestMakeContiguous(t *testing.T) {
	b := chainOf([]byte{1, 2}, []byte{3})
	b.AddTag(TagSessionCmd)
	b.Next().AddTag(TagResponseEnd)
	flat := MakeContiguous(b)
	if flat.Next() != nil {
		t.Fatal("chain is not flat")
	}
	if !bytes.Equal(flat.Bytes(), []byte{1, 2, 3}) {
		t.Errorf("Bytes = %v", flat.Bytes())
	}
	if !flat.HasTag(TagSessionCmd) || !flat.HasTag(TagResponseEnd) {
		t.Error("tags were not merged")
	}
}

func TestTags(t *testing.T) {
	b := chainOf([]byte{1}, []byte{2})
	b.TagChain(TagSessionCmdResponse)
	for cur := b; cur != nil; cur = cur.Next() {
		if !cur.HasTag(TagSessionCmdResponse) {
			t.Error("TagChain missed a link")
		}
	}
	if b.HasTag(TagResponseEnd) {
		t.Error("unexpected tag")
	}
}
